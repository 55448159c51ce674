package main

import (
	"flag"
	"log"

	"github.com/carbocation/geomx/pipeline"
	"github.com/carbocation/geomx/results"
)

// Sinks are the optional database destinations for DE and deconvolution
// results, in addition to the TSV tables.
type Sinks struct {
	SQLite    string
	BQProject string
	BQDataset string
	BQTable   string
}

func (s *Sinks) Flags() {
	flag.StringVar(&s.SQLite, "sqlite", "", "Path to a SQLite database that receives the de_results and decon_results tables. (Optional.)")
	flag.StringVar(&s.BQProject, "bq-project", "", "Google Cloud project for the BigQuery DE table. (Optional.)")
	flag.StringVar(&s.BQDataset, "bq-dataset", "", "BigQuery dataset for the DE table.")
	flag.StringVar(&s.BQTable, "bq-table", "geomx_de", "BigQuery table for the DE rows.")
}

func (s Sinks) Save(o *pipeline.Outcome) error {
	if s.SQLite != "" {
		db, err := results.OpenSQLite(s.SQLite)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InsertDE(o.DE); err != nil {
			return err
		}
		if o.Decon != nil {
			if err := db.InsertDecon(*o.Decon); err != nil {
				return err
			}
		}
		log.Printf("Saved results to %s\n", s.SQLite)
	}

	if s.BQProject != "" {
		if s.BQDataset == "" {
			log.Println("-bq-project was set without -bq-dataset; skipping BigQuery")
			return nil
		}

		bq, err := results.NewWrappedBigQuery(s.BQProject, s.BQDataset)
		if err != nil {
			return err
		}
		defer bq.Close()

		if err := bq.InsertDE(s.BQTable, o.DE); err != nil {
			return err
		}
	}

	return nil
}
