package results

import (
	"context"
	"fmt"
	"log"
	"math"

	"cloud.google.com/go/bigquery"
	"github.com/carbocation/geomx/de"
	"github.com/carbocation/pfx"
	"google.golang.org/api/googleapi"
)

// InsertBatchSize is the number of rows sent per streaming insert.
const InsertBatchSize = 500

type WrappedBigQuery struct {
	Context  context.Context
	Client   *bigquery.Client
	Project  string
	Database string
}

// NewWrappedBigQuery connects to BigQuery, billing to project.
func NewWrappedBigQuery(project, database string) (*WrappedBigQuery, error) {
	bq := &WrappedBigQuery{
		Context:  context.Background(),
		Project:  project,
		Database: database,
	}

	client, err := bigquery.NewClient(bq.Context, bq.Project)
	if err != nil {
		return nil, pfx.Err(err)
	}
	bq.Client = client

	return bq, nil
}

func (bq *WrappedBigQuery) Close() error {
	return bq.Client.Close()
}

// BQDERow is a DE result row. Missing statistics are NULL.
type BQDERow struct {
	Gene     string               `bigquery:"gene"`
	Stratum  string               `bigquery:"stratum"`
	Contrast string               `bigquery:"contrast"`
	Estimate bigquery.NullFloat64 `bigquery:"estimate"`
	SE       bigquery.NullFloat64 `bigquery:"se"`
	DF       bigquery.NullFloat64 `bigquery:"df"`
	T        bigquery.NullFloat64 `bigquery:"t"`
	PValue   bigquery.NullFloat64 `bigquery:"pvalue"`
	FDR      bigquery.NullFloat64 `bigquery:"fdr"`
	Error    bigquery.NullString  `bigquery:"error"`
}

func bqFloat(v float64) bigquery.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return bigquery.NullFloat64{}
	}
	return bigquery.NullFloat64{Float64: v, Valid: true}
}

func BQDERows(rows []de.Row) []*BQDERow {
	out := make([]*BQDERow, 0, len(rows))
	for _, r := range rows {
		out = append(out, &BQDERow{
			Gene:     r.Gene,
			Stratum:  r.Stratum,
			Contrast: r.Contrast,
			Estimate: bqFloat(r.Estimate),
			SE:       bqFloat(r.SE),
			DF:       bqFloat(r.DF),
			T:        bqFloat(r.T),
			PValue:   bqFloat(r.PValue),
			FDR:      bqFloat(r.FDR),
			Error:    bigquery.NullString{StringVal: r.Error, Valid: r.Error != ""},
		})
	}
	return out
}

// InsertDE creates the table if it does not yet exist and streams the rows
// into it.
func (bq *WrappedBigQuery) InsertDE(table string, rows []de.Row) error {
	schema, err := bigquery.InferSchema(BQDERow{})
	if err != nil {
		return pfx.Err(err)
	}

	tbl := bq.Client.Dataset(bq.Database).Table(table)
	if err := tbl.Create(bq.Context, &bigquery.TableMetadata{Schema: schema}); err != nil {
		if e, ok := err.(*googleapi.Error); !ok || e.Code != 409 {
			return pfx.Err(err)
		}
	}

	bqRows := BQDERows(rows)
	ins := tbl.Inserter()
	for start := 0; start < len(bqRows); start += InsertBatchSize {
		end := start + InsertBatchSize
		if end > len(bqRows) {
			end = len(bqRows)
		}
		if err := ins.Put(bq.Context, bqRows[start:end]); err != nil {
			return pfx.Err(fmt.Errorf("rows %d-%d: %w", start, end, err))
		}
	}
	log.Printf("Inserted %d DE rows into %s.%s.%s\n", len(bqRows), bq.Project, bq.Database, table)

	return nil
}
