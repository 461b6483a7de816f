// The petrodb service is a REST backend for a geoscience sample
// archive: rock samples, their subsamples, chemical analyses and
// images, with row-level access control and optimistic versioning.
package main

import (
	"log"
	"net/http"

	"github.com/joeshaw/envdecode"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/backend"
	"github.com/petrodata/petrodb/core/blob"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
	"github.com/petrodata/petrodb/core/notifier"
	"github.com/petrodata/petrodb/core/schema"
)

var configurationJSON string = `{
	"resources": [
	  {
		"resource": "user",
		"description": "registered archive users",
		"methods": ["get", "post"],
		"fields": [
		  { "name": "name", "type": "text", "not_null": true, "unique": true },
		  { "name": "email", "type": "text", "not_null": true, "unique": true },
		  { "name": "password_hash", "type": "text" },
		  { "name": "confirmation_code", "type": "text" },
		  { "name": "enabled", "type": "char", "default": "'N'" },
		  { "name": "api_key", "type": "text", "unique": true },
		  { "name": "role_id", "type": "bigint" },
		  { "name": "address", "type": "text" },
		  { "name": "city", "type": "text" },
		  { "name": "province", "type": "text" },
		  { "name": "country", "type": "text" },
		  { "name": "postal_code", "type": "text" },
		  { "name": "institution", "type": "text" },
		  { "name": "professional_url", "type": "text" },
		  { "name": "research_interests", "type": "text" }
		],
		"filterable": ["name", "email"],
		"sortable": ["name"],
		"excluded": ["password_hash", "confirmation_code", "api_key"],
		"server_managed": ["enabled", "api_key", "role_id"]
	  },
	  {
		"resource": "rock_type",
		"methods": ["get", "post", "put"],
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "mineral",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"relations": [
		  { "name": "real_mineral", "resource": "mineral", "nullable": true }
		],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "reference",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "region",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "metamorphic_grade",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "metamorphic_region",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "subsample_type",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "project",
		"description": "research projects grouping samples",
		"owned": true,
		"methods": ["get", "post", "put"],
		"fields": [
		  { "name": "name", "type": "text", "not_null": true },
		  { "name": "description", "type": "text" },
		  { "name": "isactive", "type": "char" }
		],
		"filterable": ["name"],
		"sortable": ["name"]
	  },
	  {
		"resource": "sample",
		"description": "physical rock samples",
		"owned": true,
		"public_flag": true,
		"schema_id": "https://petrodata.org/schemas/sample.json",
		"fields": [
		  { "name": "number", "type": "text", "not_null": true },
		  { "name": "sesar_number", "type": "text" },
		  { "name": "latitude", "type": "float" },
		  { "name": "longitude", "type": "float" },
		  { "name": "location_error", "type": "float" },
		  { "name": "location_text", "type": "text" },
		  { "name": "country", "type": "text" },
		  { "name": "description", "type": "text" },
		  { "name": "collection_date", "type": "timestamp" },
		  { "name": "date_precision", "type": "text" },
		  { "name": "collector_name", "type": "text" }
		],
		"relations": [
		  { "name": "rock_type", "resource": "rock_type", "nullable": true },
		  { "name": "minerals", "resource": "mineral", "many": true },
		  { "name": "metamorphic_grades", "resource": "metamorphic_grade", "many": true },
		  { "name": "metamorphic_regions", "resource": "metamorphic_region", "many": true },
		  { "name": "regions", "resource": "region", "many": true, "free_text": true },
		  { "name": "references", "resource": "reference", "many": true, "free_text": true }
		],
		"filterable": ["number", "country", "collection_date", "public_data", "rock_type", "minerals", "regions", "references"],
		"sortable": ["number", "country", "collection_date"]
	  },
	  {
		"resource": "subsample",
		"description": "prepared pieces of a sample",
		"owned": true,
		"public_flag": true,
		"fields": [
		  { "name": "name", "type": "text", "not_null": true },
		  { "name": "grid_id", "type": "text" }
		],
		"relations": [
		  { "name": "sample", "resource": "sample" },
		  { "name": "subsample_type", "resource": "subsample_type", "nullable": true }
		],
		"filterable": ["name", "public_data", "sample", "subsample_type"],
		"sortable": ["name"]
	  },
	  {
		"resource": "chemical_analysis",
		"description": "point analyses measured on subsamples",
		"owned": true,
		"public_flag": true,
		"schema_id": "https://petrodata.org/schemas/chemical-analysis.json",
		"fields": [
		  { "name": "analysis_method", "type": "text" },
		  { "name": "where_done", "type": "text" },
		  { "name": "analyst", "type": "text" },
		  { "name": "analysis_date", "type": "timestamp" },
		  { "name": "total", "type": "float" },
		  { "name": "stage_x", "type": "float" },
		  { "name": "stage_y", "type": "float" },
		  { "name": "reference_x", "type": "float" },
		  { "name": "reference_y", "type": "float" },
		  { "name": "large_rock", "type": "char" }
		],
		"relations": [
		  { "name": "subsample", "resource": "subsample" },
		  { "name": "mineral", "resource": "mineral", "nullable": true },
		  { "name": "reference", "resource": "reference", "nullable": true }
		],
		"filterable": ["analysis_method", "total", "public_data", "subsample", "mineral"],
		"sortable": ["analysis_date", "total"]
	  },
	  {
		"resource": "image",
		"description": "sample and subsample imagery",
		"owned": true,
		"public_flag": true,
		"with_content": true,
		"fields": [
		  { "name": "filename", "type": "text", "not_null": true },
		  { "name": "content_type", "type": "text" },
		  { "name": "image_type", "type": "text" },
		  { "name": "scale", "type": "integer" },
		  { "name": "description", "type": "text" }
		],
		"relations": [
		  { "name": "sample", "resource": "sample", "nullable": true },
		  { "name": "subsample", "resource": "subsample", "nullable": true }
		],
		"filterable": ["filename", "public_data", "sample", "subsample"],
		"sortable": ["filename"]
	  }
	]
  }
`

const sampleSchemaJSON = `{
	"$id": "https://petrodata.org/schemas/sample.json",
	"type": "object",
	"required": ["number"],
	"properties": {
		"number": { "type": "string", "minLength": 1, "maxLength": 35 },
		"latitude": { "type": "number", "minimum": -90, "maximum": 90 },
		"longitude": { "type": "number", "minimum": -180, "maximum": 180 },
		"public_data": { "type": "string", "enum": ["Y", "N"] }
	}
}`

const analysisSchemaJSON = `{
	"$id": "https://petrodata.org/schemas/chemical-analysis.json",
	"type": "object",
	"required": ["subsample"],
	"properties": {
		"total": { "type": "number", "minimum": 0 },
		"public_data": { "type": "string", "enum": ["Y", "N"] }
	}
}`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password to the Postgres DB"`
	Port             string `env:"PORT,default=3000" description:"the port this service listens on"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka brokers; empty disables notifications"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=petrodb.changes" description:"the Kafka topic for change notifications"`
	ContentFolder    string `env:"CONTENT_FOLDER,default=" description:"base folder for the filesystem content store"`
	S3Bucket         string `env:"S3_BUCKET,default=" description:"S3 bucket for the content store; overrides CONTENT_FOLDER"`
	S3Region         string `env:"S3_REGION,default=" description:"S3 region for the content store"`
	S3AccessID       string `env:"S3_ACCESS_ID,default=" description:"S3 access id for the content store"`
	S3AccessKey      string `env:"S3_ACCESS_KEY,default=" description:"S3 access key for the content store"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "petrodb")
	defer db.Close()

	validator, err := schema.NewValidator([]string{sampleSchemaJSON, analysisSchemaJSON}, nil)
	if err != nil {
		panic(err)
	}

	var changeNotifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := notifier.NewKafkaNotifier(service.KafkaBrokers, service.KafkaTopic)
		defer kafkaNotifier.Close()
		changeNotifier = kafkaNotifier
	}

	var blobDriver blob.Driver
	if service.S3Bucket != "" {
		blobDriver, err = blob.NewS3(blob.S3Configuration{
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
			AWSRegion:     service.S3Region,
			AWSBucketName: service.S3Bucket,
			KeyPrefix:     "petrodb/",
		})
		if err != nil {
			panic(err)
		}
	} else if service.ContentFolder != "" {
		blobDriver, err = blob.NewLocalFilesystem(service.ContentFolder)
		if err != nil {
			panic(err)
		}
	}

	router := mux.NewRouter()
	jwtMiddleware := access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{DB: db})
	router.Use(jwtMiddleware.MiddlewareFunc())
	router.Use(access.NewAPIKeyMiddleware(db))
	jwtMiddleware.HandleLoginRoute(router)

	backend.MustNew(&backend.Builder{
		Config:       configurationJSON,
		DB:           db,
		Router:       router,
		Notifier:     changeNotifier,
		BlobDriver:   blobDriver,
		JSONSchemas:  validator,
		UpdateSchema: true,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	log.Fatal(http.ListenAndServe(":"+service.Port, router))
}
