package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

const (
	DefaultTable     = "shop_product"
	defaultBatchSize = 1000
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Reader lists product ids from the shop catalog. The recommender never tracks which
// products exist, so history resets take the id universe from here.
type Reader struct {
	db        *gorm.DB
	log       *logger.Logger
	table     string
	batchSize int
}

func NewReader(db *gorm.DB, baseLog *logger.Logger, table string) (*Reader, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRE.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}
	return &Reader{
		db:        db,
		log:       baseLog.With("repo", "CatalogReader", "table", table),
		table:     table,
		batchSize: defaultBatchSize,
	}, nil
}

func (r *Reader) WithBatchSize(n int) *Reader {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// ProductIDs pages through the table by id so large catalogs never load in one query.
func (r *Reader) ProductIDs(ctx context.Context) ([]recommender.ProductID, error) {
	var out []recommender.ProductID
	var last int64
	for {
		var page []int64
		err := r.db.WithContext(ctx).
			Table(r.table).
			Where("id > ?", last).
			Order("id ASC").
			Limit(r.batchSize).
			Pluck("id", &page).Error
		if err != nil {
			return nil, fmt.Errorf("list catalog ids after %d: %w", last, err)
		}
		for _, id := range page {
			if id > 0 {
				out = append(out, recommender.ProductID(id))
			}
		}
		if len(page) < r.batchSize {
			break
		}
		last = page[len(page)-1]
	}
	r.log.Debug("catalog ids loaded", "count", len(out))
	return out, nil
}
