package results

import (
	"database/sql"
	"math"
	"strings"

	"github.com/carbocation/geomx/de"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS de_results (
	gene TEXT NOT NULL,
	stratum TEXT NOT NULL,
	contrast TEXT NOT NULL,
	estimate REAL,
	se REAL,
	df REAL,
	t REAL,
	pvalue REAL,
	fdr REAL,
	error TEXT
);
CREATE TABLE IF NOT EXISTS decon_results (
	segment_id TEXT NOT NULL,
	cell_type TEXT NOT NULL,
	beta REAL,
	proportion REAL,
	se REAL,
	cell_count REAL
);
`

// SQLite stores DE and deconvolution results in a SQLite database.
type SQLite struct {
	DB *sqlx.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	// URI filenames have to begin with 'file:'; see
	// https://www.sqlite.org/c3ref/open.html
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, pfx.Err(err)
	}

	return &SQLite{DB: db}, nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

// DERecord is a de_results row.
type DERecord struct {
	Gene     string          `db:"gene"`
	Stratum  string          `db:"stratum"`
	Contrast string          `db:"contrast"`
	Estimate sql.NullFloat64 `db:"estimate"`
	SE       sql.NullFloat64 `db:"se"`
	DF       sql.NullFloat64 `db:"df"`
	T        sql.NullFloat64 `db:"t"`
	PValue   sql.NullFloat64 `db:"pvalue"`
	FDR      sql.NullFloat64 `db:"fdr"`
	Error    sql.NullString  `db:"error"`
}

// DeconRecord is a decon_results row.
type DeconRecord struct {
	SegmentID  string          `db:"segment_id"`
	CellType   string          `db:"cell_type"`
	Beta       sql.NullFloat64 `db:"beta"`
	Proportion sql.NullFloat64 `db:"proportion"`
	SE         sql.NullFloat64 `db:"se"`
	CellCount  sql.NullFloat64 `db:"cell_count"`
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertDE writes the rows in a single transaction.
func (s *SQLite) InsertDE(rows []de.Row) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return pfx.Err(err)
	}

	const q = `INSERT INTO de_results (gene, stratum, contrast, estimate, se, df, t, pvalue, fdr, error)
	VALUES (:gene, :stratum, :contrast, :estimate, :se, :df, :t, :pvalue, :fdr, :error)`
	for _, r := range rows {
		rec := DERecord{
			Gene:     r.Gene,
			Stratum:  r.Stratum,
			Contrast: r.Contrast,
			Estimate: nullFloat(r.Estimate),
			SE:       nullFloat(r.SE),
			DF:       nullFloat(r.DF),
			T:        nullFloat(r.T),
			PValue:   nullFloat(r.PValue),
			FDR:      nullFloat(r.FDR),
			Error:    nullString(r.Error),
		}
		if _, err := tx.NamedExec(q, rec); err != nil {
			tx.Rollback()
			return pfx.Err(err)
		}
	}

	return tx.Commit()
}

// InsertDecon writes the long form of res in a single transaction.
func (s *SQLite) InsertDecon(res decon.Result) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return pfx.Err(err)
	}

	const q = `INSERT INTO decon_results (segment_id, cell_type, beta, proportion, se, cell_count)
	VALUES (:segment_id, :cell_type, :beta, :proportion, :se, :cell_count)`
	for _, r := range DeconRows(res) {
		rec := DeconRecord{
			SegmentID:  r.SegmentID,
			CellType:   r.CellType,
			Beta:       nullFloat(float64(r.Beta)),
			Proportion: nullFloat(float64(r.Proportion)),
			SE:         nullFloat(float64(r.SE)),
			CellCount:  nullFloat(float64(r.CellCount)),
		}
		if _, err := tx.NamedExec(q, rec); err != nil {
			tx.Rollback()
			return pfx.Err(err)
		}
	}

	return tx.Commit()
}

// DE reads back every de_results row.
func (s *SQLite) DE() ([]DERecord, error) {
	var out []DERecord
	if err := s.DB.Select(&out, "SELECT * FROM de_results ORDER BY rowid"); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

// Decon reads back every decon_results row.
func (s *SQLite) Decon() ([]DeconRecord, error) {
	var out []DeconRecord
	if err := s.DB.Select(&out, "SELECT * FROM decon_results ORDER BY rowid"); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}
