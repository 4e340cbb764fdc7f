package assoc

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

// ProductAssociation is one (set, member) row of an emulated sorted set.
type ProductAssociation struct {
	SetKey    string    `gorm:"column:set_key;type:varchar(255);primaryKey" json:"set_key"`
	Member    int64     `gorm:"column:member;primaryKey;autoIncrement:false" json:"member"`
	Score     float64   `gorm:"column:score;not null;default:0" json:"score"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ProductAssociation) TableName() string { return "product_association" }

// TableStore emulates sorted sets on a SQL table. Increments are single upsert
// statements, so concurrent writers never lose updates.
type TableStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTableStore(ctx context.Context, baseLog *logger.Logger, db *gorm.DB) (*TableStore, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if db == nil {
		return nil, fmt.Errorf("gorm db required")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("table store sql handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, &recommender.StoreError{Op: "ping", Err: err}
	}
	if err := db.WithContext(ctx).AutoMigrate(&ProductAssociation{}); err != nil {
		return nil, fmt.Errorf("migrate product_association: %w", err)
	}
	if err := db.WithContext(ctx).Exec(
		`CREATE INDEX IF NOT EXISTS idx_product_association_rank ON product_association(set_key, score DESC, member);`,
	).Error; err != nil {
		return nil, fmt.Errorf("create idx_product_association_rank: %w", err)
	}
	return &TableStore{db: db, log: baseLog.With("store", "TableStore")}, nil
}

func (s *TableStore) DB() *gorm.DB { return s.db }

func (s *TableStore) IncrBy(ctx context.Context, key string, member recommender.ProductID, delta float64) error {
	return s.IncrPairs(ctx, []recommender.Increment{{Key: key, Member: member, Delta: delta}})
}

// IncrPairs upserts all increments in one statement. Duplicate (key, member) pairs are
// folded first; Postgres refuses to touch the same row twice in one upsert.
func (s *TableStore) IncrPairs(ctx context.Context, incs []recommender.Increment) error {
	if len(incs) == 0 {
		return nil
	}
	rows := foldIncrements(incs, time.Now().UTC())
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "set_key"}, {Name: "member"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"score":      gorm.Expr("product_association.score + excluded.score"),
				"updated_at": gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&rows).Error
}

// foldIncrements merges duplicate (key, member) increments and orders the rows by
// (set_key, member). Concurrent upserts then lock conflicting rows in the same order,
// so orders listing the same products differently cannot deadlock.
func foldIncrements(incs []recommender.Increment, now time.Time) []ProductAssociation {
	type pk struct {
		key    string
		member recommender.ProductID
	}
	idx := make(map[pk]int, len(incs))
	rows := make([]ProductAssociation, 0, len(incs))
	for _, inc := range incs {
		k := pk{inc.Key, inc.Member}
		if i, ok := idx[k]; ok {
			rows[i].Score += inc.Delta
			continue
		}
		idx[k] = len(rows)
		rows = append(rows, ProductAssociation{
			SetKey:    inc.Key,
			Member:    int64(inc.Member),
			Score:     inc.Delta,
			UpdatedAt: now,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SetKey != rows[j].SetKey {
			return rows[i].SetKey < rows[j].SetKey
		}
		return rows[i].Member < rows[j].Member
	})
	return rows
}

func (s *TableStore) TopN(ctx context.Context, key string, n int) ([]recommender.Entry, error) {
	q := s.db.WithContext(ctx).
		Model(&ProductAssociation{}).
		Where("set_key = ?", key).
		Order("score DESC").
		Order("member ASC")
	if n > 0 {
		q = q.Limit(n)
	}
	var rows []ProductAssociation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]recommender.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, recommender.Entry{Member: recommender.ProductID(r.Member), Score: r.Score})
	}
	return out, nil
}

func (s *TableStore) UnionInto(ctx context.Context, dst string, keys []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("set_key = ?", dst).Delete(&ProductAssociation{}).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return tx.Exec(
			`INSERT INTO product_association (set_key, member, score, updated_at)
			 SELECT CAST(? AS VARCHAR(255)), member, SUM(score), CURRENT_TIMESTAMP FROM product_association
			 WHERE set_key IN ? GROUP BY member`,
			dst, keys,
		).Error
	})
}

func (s *TableStore) Remove(ctx context.Context, key string, members ...recommender.ProductID) error {
	if len(members) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, int64(m))
	}
	return s.db.WithContext(ctx).
		Where("set_key = ? AND member IN ?", key, ids).
		Delete(&ProductAssociation{}).Error
}

func (s *TableStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("set_key IN ?", keys).
		Delete(&ProductAssociation{}).Error
}

func (s *TableStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenPostgres opens a gorm handle on the given DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a single-connection gorm handle; SQLite serializes writers anyway.
func OpenSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("missing sqlite path")
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             1 * time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}
}
