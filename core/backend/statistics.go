package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/logger"
)

// resourceStatistics represents information about one resource
type resourceStatistics struct {
	Resource     string  `json:"resource"`
	Count        int64   `json:"count"`
	SizeMB       float64 `json:"size_mb"`
	AverageSizeB float64 `json:"average_size_b"`
}

// statisticsDetails represents information about the archive: table
// sizes per resource plus the sample count per rock type.
type statisticsDetails struct {
	Resources         []resourceStatistics `json:"resources"`
	SamplesByRockType map[string]int64     `json:"samples_by_rock_type,omitempty"`
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle statistics route: /statistics GET")
	router.Handle("/statistics", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.statistics(w, r)
	}))).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) statistics(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	s := statisticsDetails{Resources: []resourceStatistics{}}

	// resources are in declaration order, which is stable, so the ETag
	// does not flicker between requests
	for i := range b.config.Resources {
		rc := &b.config.Resources[i]
		row := b.db.QueryRow(fmt.Sprintf(`SELECT pg_total_relation_size('%s.%s'), count(*) FROM %s.%s;`,
			b.db.Schema, rc.Table, b.db.Schema, rc.Table))
		var size, count int64
		if err := row.Scan(&size, &count); err != nil {
			rlog.WithError(err).Errorln("Error 4028: Scan")
			http.Error(w, "Error 4028", http.StatusInternalServerError)
			return
		}
		var averageSize float64
		if count != 0 {
			averageSize = float64(size / count)
		}
		s.Resources = append(s.Resources, resourceStatistics{
			Resource:     rc.Resource,
			Count:        count,
			SizeMB:       float64(size) / 1024. / 1024.,
			AverageSizeB: averageSize,
		})
	}

	if sample, ok := b.config.resource("sample"); ok {
		if rel, ok := sample.relation("rock_type"); ok && !rel.Many {
			rockType, _ := b.config.resource(rel.Resource)
			query := fmt.Sprintf(`SELECT r.name, count(s.%s) FROM %s.%s r
LEFT JOIN %s.%s s ON s.%s = r.%s
GROUP BY r.name ORDER BY r.name;`,
				sample.Primary, b.db.Schema, rockType.Table,
				b.db.Schema, sample.Table, rel.Column, rockType.Primary)
			rows, err := b.db.Query(query)
			if err != nil {
				rlog.WithError(err).Errorln("Error 4029: cannot query rock type statistics")
				http.Error(w, "Error 4029", http.StatusInternalServerError)
				return
			}
			defer rows.Close()
			s.SamplesByRockType = map[string]int64{}
			for rows.Next() {
				var name string
				var count int64
				if err := rows.Scan(&name, &count); err != nil {
					rlog.WithError(err).Errorln("Error 4028: Scan")
					http.Error(w, "Error 4028", http.StatusInternalServerError)
					return
				}
				s.SamplesByRockType[name] = count
			}
		}
	}

	jsonData, _ := json.Marshal(s)
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}
