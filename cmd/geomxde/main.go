// geomxde fits the per-gene mixed models on an already normalized gene x
// segment matrix, as written by geomx.
package main

import (
	"context"
	"flag"
	"log"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx"
	_ "github.com/carbocation/geomx/compileinfoprint"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/de"
	"github.com/carbocation/geomx/ingest"
	"github.com/carbocation/geomx/results"
)

var client *storage.Client

func main() {
	var matrixFile, annotationFile, configFile, outFile, sqliteFile string
	var bqProject, bqDataset, bqTable string
	var workers int

	flag.StringVar(&matrixFile, "matrix", "", "Path to a normalized gene x segment matrix (e.g. q_norm.tsv from geomx). May be a google storage URL (gs://)")
	flag.StringVar(&annotationFile, "annotation", "", "Path to the segment annotation sheet. May be a google storage URL (gs://)")
	flag.StringVar(&configFile, "config", "", "Path to a JSON config; only the de section is used. (Optional.)")
	flag.StringVar(&outFile, "out", "de.tsv", "Path to the output table")
	flag.StringVar(&sqliteFile, "sqlite", "", "Path to a SQLite database that receives the de_results table. (Optional.)")
	flag.StringVar(&bqProject, "bq-project", "", "Google Cloud project for the BigQuery DE table. (Optional.)")
	flag.StringVar(&bqDataset, "bq-dataset", "", "BigQuery dataset for the DE table.")
	flag.StringVar(&bqTable, "bq-table", "geomx_de", "BigQuery table for the DE rows.")
	flag.IntVar(&workers, "workers", 0, "Number of concurrent fits. 0 means one per CPU.")
	flag.Parse()

	if matrixFile == "" {
		flag.Usage()
		log.Fatalln("Please provide -matrix")
	}

	if annotationFile == "" {
		flag.Usage()
		log.Fatalln("Please provide -annotation")
	}

	cfg, err := config.ParseJSONConfigFromPath(configFile)
	if err != nil {
		log.Fatalln(err)
	}
	deCfg := cfg.DEConfig()
	if workers > 0 {
		deCfg.Workers = workers
	}

	if geomx.NeedsStorageClient(matrixFile, annotationFile) {
		client, err = storage.NewClient(context.Background())
		if err != nil {
			log.Fatalln(err)
		}
		defer client.Close()
	}

	g, err := ingest.ReadGeneMatrix(matrixFile, client)
	if err != nil {
		log.Fatalln(err)
	}
	annotation, err := ingest.ReadAnnotation(annotationFile, client)
	if err != nil {
		log.Fatalln(err)
	}
	g, err = ingest.AnnotateGenes(g, annotation)
	if err != nil {
		log.Fatalln(err)
	}

	// The matrix is already normalized: fit it as whichever layer the config
	// names.
	if deCfg.Layer != "" && deCfg.Layer != dataset.LayerRaw {
		g, err = g.WithLayer(deCfg.Layer, g.Counts)
		if err != nil {
			log.Fatalln(err)
		}
	}

	rows, err := de.Run(g, deCfg)
	if err != nil {
		log.Fatalln(err)
	}

	if err := results.WriteTSV(outFile, results.DERows(rows)); err != nil {
		log.Fatalln(err)
	}
	log.Printf("Wrote %d rows to %s\n", len(rows), outFile)

	if sqliteFile != "" {
		db, err := results.OpenSQLite(sqliteFile)
		if err != nil {
			log.Fatalln(err)
		}
		defer db.Close()
		if err := db.InsertDE(rows); err != nil {
			log.Fatalln(err)
		}
	}

	if bqProject != "" && bqDataset != "" {
		bq, err := results.NewWrappedBigQuery(bqProject, bqDataset)
		if err != nil {
			log.Fatalln(err)
		}
		defer bq.Close()
		if err := bq.InsertDE(bqTable, rows); err != nil {
			log.Fatalln(err)
		}
	}
}
