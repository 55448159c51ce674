// geomx runs the full GeoMx workflow on a probe counts export: segment and
// probe QC, aggregation, LOQ filtering, normalization, differential
// expression, and optionally cell type deconvolution.
package main

import (
	"context"
	"flag"
	"log"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx"
	_ "github.com/carbocation/geomx/compileinfoprint"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/geomx/ingest"
	"github.com/carbocation/geomx/pipeline"
)

var client *storage.Client

func main() {
	var countsFile, annotationFile, configFile, signatureFile, outDir string
	var layer string
	var workers int
	var npy bool
	var sink Sinks

	flag.StringVar(&countsFile, "counts", "", "Path to the probe x segment counts file (ProbeID, TargetName, Module, CodeClass, then one column per segment). May be compressed and may be a google storage URL (gs://)")
	flag.StringVar(&annotationFile, "annotation", "", "Path to the segment annotation sheet. May be a google storage URL (gs://)")
	flag.StringVar(&configFile, "config", "", "Path to a JSON file with thresholds. (Optional; GeoMx defaults are used otherwise.)")
	flag.StringVar(&signatureFile, "signature", "", "Path to a genes x cell types signature matrix. (Optional; enables deconvolution.)")
	flag.StringVar(&outDir, "out", "geomx_out", "Directory for the result tables")
	flag.StringVar(&layer, "layer", "", "Expression layer for DE and deconvolution (exprs, q_norm or neg_norm). (Optional; overrides the config.)")
	flag.IntVar(&workers, "workers", 0, "Number of concurrent DE fits. 0 means one per CPU.")
	flag.BoolVar(&npy, "npy", false, "Also write each normalized layer as a .npy matrix?")
	sink.Flags()
	flag.Parse()

	if countsFile == "" {
		flag.Usage()
		log.Fatalln("Please provide -counts")
	}

	if annotationFile == "" {
		flag.Usage()
		log.Fatalln("Please provide -annotation")
	}

	if err := run(countsFile, annotationFile, configFile, signatureFile, outDir, layer, workers, npy, sink); err != nil {
		log.Fatalln(err)
	}

	log.Println("Done")
}

func run(countsFile, annotationFile, configFile, signatureFile, outDir, layer string, workers int, npy bool, sink Sinks) error {
	cfg, err := config.ParseJSONConfigFromPath(configFile)
	if err != nil {
		return err
	}
	if layer != "" {
		cfg.DE.Layer = layer
		cfg.Deconvolution.Layer = layer
	}
	if workers > 0 {
		cfg.DE.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if geomx.NeedsStorageClient(countsFile, annotationFile, signatureFile) {
		client, err = storage.NewClient(context.Background())
		if err != nil {
			return err
		}
		defer client.Close()
	}

	counts, err := ingest.ReadCounts(countsFile, client)
	if err != nil {
		return err
	}
	annotation, err := ingest.ReadAnnotation(annotationFile, client)
	if err != nil {
		return err
	}
	counts, err = ingest.AnnotateProbes(counts, annotation)
	if err != nil {
		return err
	}

	var sig *decon.Signature
	if signatureFile != "" {
		s, err := ingest.ReadSignature(signatureFile, client)
		if err != nil {
			return err
		}
		sig = &s
	}

	o, err := pipeline.Run(counts, sig, cfg)
	if err != nil {
		return err
	}

	if err := o.Write(outDir, npy); err != nil {
		return err
	}

	return sink.Save(o)
}
