package source

import (
	"context"

	"github.com/timmy/scadarchive/internal/domain"
)

// Extraction is the full current record set of one (data type, period).
type Extraction struct {
	Table   domain.Table
	Period  domain.Period
	Records []domain.Record
	// Dropped counts rows discarded because they fell outside the period
	// or repeated a key already seen.
	Dropped int
}

// Source yields remote record sets for reconciliation.
type Source interface {
	// Extract fetches every record of dataType within period.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - dataType: table to read.
	//   - period: month partition.
	//   - stations: optional station filter; empty reads all stations.
	// Returns:
	//   - *Extraction: records keyed by primary identifier.
	//   - err: wraps domain.ErrSourceUnavailable, domain.ErrPoolExhausted or
	//     domain.ErrSchemaMismatch.
	Extract(ctx context.Context, dataType domain.DataType, period domain.Period, stations []int64) (*Extraction, error)
}
