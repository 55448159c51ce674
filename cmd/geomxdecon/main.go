// geomxdecon estimates cell type abundances in each segment from a
// normalized gene x segment matrix, its raw counts, and a signature matrix.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx"
	_ "github.com/carbocation/geomx/compileinfoprint"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/geomx/ingest"
	"github.com/carbocation/geomx/results"
)

var client *storage.Client

func main() {
	var normalizedFile, rawFile, annotationFile, signatureFile, configFile, outDir, sqliteFile string

	flag.StringVar(&normalizedFile, "normalized", "", "Path to the normalized gene x segment matrix (e.g. q_norm.tsv from geomx)")
	flag.StringVar(&rawFile, "raw", "", "Path to the raw gene x segment matrix (exprs.tsv from geomx), used for the error model weights")
	flag.StringVar(&annotationFile, "annotation", "", "Path to the segment annotation sheet, used for nuclei counts")
	flag.StringVar(&signatureFile, "signature", "", "Path to a genes x cell types signature matrix")
	flag.StringVar(&configFile, "config", "", "Path to a JSON config; the deconvolution section may define collapse groups. (Optional.)")
	flag.StringVar(&outDir, "out", "geomx_decon", "Directory for the result tables")
	flag.StringVar(&sqliteFile, "sqlite", "", "Path to a SQLite database that receives the decon_results table. (Optional.)")
	flag.Parse()

	for name, v := range map[string]string{
		"normalized": normalizedFile,
		"raw":        rawFile,
		"annotation": annotationFile,
		"signature":  signatureFile,
	} {
		if v == "" {
			flag.Usage()
			log.Fatalf("Please provide -%s\n", name)
		}
	}

	cfg, err := config.ParseJSONConfigFromPath(configFile)
	if err != nil {
		log.Fatalln(err)
	}
	deconCfg := cfg.DeconConfig()

	if geomx.NeedsStorageClient(normalizedFile, rawFile, annotationFile, signatureFile) {
		client, err = storage.NewClient(context.Background())
		if err != nil {
			log.Fatalln(err)
		}
		defer client.Close()
	}

	g, err := loadTable(normalizedFile, rawFile, annotationFile, deconCfg.Layer)
	if err != nil {
		log.Fatalln(err)
	}

	sig, err := ingest.ReadSignature(signatureFile, client)
	if err != nil {
		log.Fatalln(err)
	}

	res, err := decon.Run(g, sig, deconCfg.Layer, decon.NNLS{})
	if err != nil {
		log.Fatalln(err)
	}
	res, err = decon.Collapse(res, deconCfg.Collapse)
	if err != nil {
		log.Fatalln(err)
	}
	rev, err := decon.Reverse(g, deconCfg.Layer, res)
	if err != nil {
		log.Fatalln(err)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		log.Fatalln(err)
	}
	if err := results.WriteTSV(filepath.Join(outDir, "decon.tsv"), results.DeconRows(res)); err != nil {
		log.Fatalln(err)
	}
	if err := results.WriteTSV(filepath.Join(outDir, "reverse_decon.tsv"), results.ReverseRows(rev)); err != nil {
		log.Fatalln(err)
	}

	if sqliteFile != "" {
		db, err := results.OpenSQLite(sqliteFile)
		if err != nil {
			log.Fatalln(err)
		}
		defer db.Close()
		if err := db.InsertDecon(res); err != nil {
			log.Fatalln(err)
		}
	}

	log.Printf("Deconvolved %d segments into %d cell types\n", len(res.SegmentIDs), len(res.CellTypes))
}

// loadTable puts the raw matrix in Counts and the normalized matrix in the
// named layer. Both must list the same targets and segments in the same
// order.
func loadTable(normalizedFile, rawFile, annotationFile, layer string) (*dataset.GeneTable, error) {
	raw, err := ingest.ReadGeneMatrix(rawFile, client)
	if err != nil {
		return nil, err
	}
	normalized, err := ingest.ReadGeneMatrix(normalizedFile, client)
	if err != nil {
		return nil, err
	}

	if len(raw.Targets) != len(normalized.Targets) || len(raw.Segments) != len(normalized.Segments) {
		return nil, fmt.Errorf("raw matrix is %dx%d but normalized matrix is %dx%d", len(raw.Targets), len(raw.Segments), len(normalized.Targets), len(normalized.Segments))
	}
	for i := range raw.Targets {
		if raw.Targets[i].Name != normalized.Targets[i].Name {
			return nil, fmt.Errorf("row %d is %s in the raw matrix and %s in the normalized matrix", i, raw.Targets[i].Name, normalized.Targets[i].Name)
		}
	}
	for j := range raw.Segments {
		if raw.Segments[j].ID != normalized.Segments[j].ID {
			return nil, fmt.Errorf("column %d is %s in the raw matrix and %s in the normalized matrix", j, raw.Segments[j].ID, normalized.Segments[j].ID)
		}
	}

	g := raw
	if layer != "" && layer != dataset.LayerRaw {
		g, err = raw.WithLayer(layer, normalized.Counts)
		if err != nil {
			return nil, err
		}
	}

	annotation, err := ingest.ReadAnnotation(annotationFile, client)
	if err != nil {
		return nil, err
	}

	return ingest.AnnotateGenes(g, annotation)
}
