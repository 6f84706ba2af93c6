package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

var productColumns = []string{
	"run_id",
	"site",
	"name",
	"price",
	"material",
	"weight",
	"image_url",
	"image_uri",
	"source_url",
	"scraped_at",
}

type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error)
}

// ProductStore bulk-inserts extracted products.
type ProductStore struct {
	db    copier
	table string
}

// NewProductStore wraps a pool (or pgxmock pool in tests).
func NewProductStore(db copier, table string) (*ProductStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "products")
	if err != nil {
		return nil, err
	}
	return &ProductStore{db: db, table: table}, nil
}

// InsertProducts copies every product in one round trip and returns the row count.
func (s *ProductStore) InsertProducts(ctx context.Context, products []crawler.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(products))
	for _, p := range products {
		rows = append(rows, []any{
			p.RunID,
			p.Site,
			p.Name,
			p.Price,
			p.Material,
			p.Weight,
			p.ImageURL,
			p.ImageURI,
			p.SourceURL,
			p.Scraped,
		})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{s.table}, productColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy products: %w", err)
	}
	return int(n), nil
}
