/*
Package backend implements the configurable REST backend of the sample
archive.

A backend manages a Postgres database and provides an auto-generated
RESTful API for a set of configured resources. Three concerns are
enforced uniformly across all resources: row-level access control
through groups and access control entries, optimistic versioning of
owned resources, and a first-order restriction on relationship filters.

# Configuration

The configuration is done entirely via JSON. It consists of a list of
resources, declared dependencies-first so that generated foreign keys
find their targets.

Example:

	{
		"resources": [
		  {
			"resource": "rock_type",
			"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
			"filterable": ["name"]
		  },
		  {
			"resource": "sample",
			"owned": true,
			"public_flag": true,
			"fields": [
			  { "name": "number", "type": "text", "not_null": true },
			  { "name": "country", "type": "text" }
			],
			"relations": [
			  { "name": "rock_type", "resource": "rock_type", "nullable": true },
			  { "name": "regions", "resource": "region", "many": true, "free_text": true }
			],
			"filterable": ["number", "country", "rock_type", "regions"],
			"sortable": ["number"]
		  }
		]
	}

Each resource is backed by one table, named after the plural of the
resource by default, with a BIGSERIAL primary key. This configuration
creates the following REST routes:

	GET /rock_types
	GET /rock_types/{rock_type_id}
	GET /samples
	POST /samples
	GET /samples/{sample_id}
	PUT /samples/{sample_id}
	DELETE /samples/{sample_id}

# Owned resources

An owned resource carries an owner and a version counter. Creation
requires a verified principal; the creator becomes the owner and the
owner's personal group receives a read/write access control entry for
the new row. All other access is decided through the access control
entries: detail requests are answered with 401 for principals without a
matching grant, collection listings are silently narrowed to readable
rows.

The version counter implements optimistic concurrency. A new object
starts at version 1; every update must carry exactly the stored version
plus one, everything else is rejected with 409 Conflict. Lost updates
are therefore impossible, the later writer of two concurrent updates
always fails.

# Public data

A resource declared with "public_flag" carries a public_data Y/N
column. Setting the flag to "Y" grants read-only access to all public
groups, setting it back to "N" revokes exactly those grants. The
synchronization is part of the write pipeline and cannot be bypassed.

# Filtering

Collection listings accept filter expressions of the form

	field[__relation-hop][__operator]=value

restricted to the resource's filterable whitelist. At most one
relationship hop is permitted, and relationship filters against owned
resources are scoped to the requesting principal's readable rows.
Sorting uses the order_by parameter against the sortable whitelist,
with a leading minus for descending order.

Pagination uses the page and limit parameters; responses carry the
objects plus a meta object with the total count.

# If-None-Match and Etag

All GET requests are served with Etag and obey If-None-Match. If a
client puts the received Etag of a request into the If-None-Match
header of a subsequent request, the system responds with 304 Not
Modified in case the resource was not changed.

# Binary content

A resource declared with "with_content" gets up- and download routes
for binary content backed by the blob store, for example the actual
file of an image:

	GET /images/{image_id}/content
	PUT /images/{image_id}/content

Content access follows the same access control entries as the row
itself.
*/
package backend
