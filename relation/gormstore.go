package relation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arborkit/arbor/models"
	"github.com/arborkit/arbor/ordkey"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const checkpointRow = 1

// GormStore is a gorm-backed implementation of Store. Relations live in one
// table and every mutation appends to a change log table in the same
// transaction. Diff consumes the log up to the latest sequence number.
//
// Writers in a single process are serialized; running several processes
// against the same database is not supported.
type GormStore struct {
	db    *gorm.DB
	cache *lru.Cache[EntityID, ChildOf]
	log   *slog.Logger

	// serializes read-modify-write of relation rows and cache fills, so a
	// read that misses the cache cannot store a row a writer has replaced
	lk sync.Mutex
}

func NewGormStore(db *gorm.DB, cacheSize int) (*GormStore, error) {
	if err := db.AutoMigrate(&models.Entity{}, &models.Relation{}, &models.RelationChange{}, &models.DiffCheckpoint{}); err != nil {
		return nil, fmt.Errorf("migrating relation tables: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	cache, err := lru.New[EntityID, ChildOf](cacheSize)
	if err != nil {
		return nil, err
	}
	return &GormStore{
		db:    db,
		cache: cache,
		log:   slog.Default().With("system", "gormstore"),
	}, nil
}

func (s *GormStore) NewEntity(ctx context.Context) (EntityID, error) {
	ent := &models.Entity{}
	if err := s.db.WithContext(ctx).Create(ent).Error; err != nil {
		return 0, err
	}
	return EntityID(ent.ID), nil
}

func (s *GormStore) Get(ctx context.Context, child EntityID) (ChildOf, bool, error) {
	if rel, ok := s.cache.Get(child); ok {
		return rel, true, nil
	}

	ctx, span := otel.Tracer("relation").Start(ctx, "GormStore.Get")
	defer span.End()

	s.lk.Lock()
	defer s.lk.Unlock()

	if rel, ok := s.cache.Get(child); ok {
		return rel, true, nil
	}
	row, ok, err := s.loadRow(s.db.WithContext(ctx), child)
	if err != nil || !ok {
		return ChildOf{}, false, err
	}
	rel := rowToChildOf(row)
	s.cache.Add(child, rel)
	return rel, true, nil
}

func (s *GormStore) loadRow(tx *gorm.DB, child EntityID) (*models.Relation, bool, error) {
	var row models.Relation
	res := tx.Limit(1).Find(&row, "child = ?", uint64(child))
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &row, true, nil
}

func (s *GormStore) Set(ctx context.Context, child EntityID, rel ChildOf) error {
	ctx, span := otel.Tracer("relation").Start(ctx, "GormStore.Set")
	defer span.End()

	s.lk.Lock()
	defer s.lk.Unlock()

	var recorded *Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, ok, err := s.loadRow(tx, child)
		if err != nil {
			return err
		}
		c := Change{Child: child, Next: relPtr(rel)}
		if ok {
			prev := rowToChildOf(cur)
			if prev == rel {
				return nil
			}
			c.Prev = relPtr(prev)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "child"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent", "order_key", "updated_at"}),
		}).Create(&models.Relation{
			Child:    uint64(child),
			Parent:   uint64(rel.Parent),
			OrderKey: uint32(rel.Key),
		}).Error; err != nil {
			return err
		}

		if err := tx.Create(changeToRow(c)).Error; err != nil {
			return err
		}
		recorded = &c
		return nil
	})
	if err != nil {
		s.cache.Remove(child)
		return fmt.Errorf("setting relation of %d: %w", child, err)
	}
	s.cache.Add(child, rel)
	if recorded != nil {
		recordChange("sql", *recorded)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, child EntityID) error {
	ctx, span := otel.Tracer("relation").Start(ctx, "GormStore.Delete")
	defer span.End()

	s.lk.Lock()
	defer s.lk.Unlock()

	var recorded *Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, ok, err := s.loadRow(tx, child)
		if err != nil || !ok {
			return err
		}
		if err := tx.Delete(&models.Relation{}, "child = ?", uint64(child)).Error; err != nil {
			return err
		}
		c := Change{Child: child, Prev: relPtr(rowToChildOf(cur))}
		if err := tx.Create(changeToRow(c)).Error; err != nil {
			return err
		}
		recorded = &c
		return nil
	})
	s.cache.Remove(child)
	if err != nil {
		return fmt.Errorf("deleting relation of %d: %w", child, err)
	}
	if recorded != nil {
		recordChange("sql", *recorded)
	}
	return nil
}

func (s *GormStore) ChildrenOf(ctx context.Context, parent EntityID) ([]Entry, error) {
	ctx, span := otel.Tracer("relation").Start(ctx, "GormStore.ChildrenOf")
	defer span.End()

	var rows []models.Relation
	if err := s.db.WithContext(ctx).Where("parent = ?", uint64(parent)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i := range rows {
		out[i] = Entry{Child: EntityID(rows[i].Child), ChildOf: rowToChildOf(&rows[i])}
	}
	return out, nil
}

func (s *GormStore) Scan(ctx context.Context, fn func(Entry) error) error {
	var rows []models.Relation
	res := s.db.WithContext(ctx).FindInBatches(&rows, 1000, func(tx *gorm.DB, batch int) error {
		for i := range rows {
			if err := fn(Entry{Child: EntityID(rows[i].Child), ChildOf: rowToChildOf(&rows[i])}); err != nil {
				return err
			}
		}
		return nil
	})
	return res.Error
}

func (s *GormStore) Diff(ctx context.Context) (*Diff, error) {
	ctx, span := otel.Tracer("relation").Start(ctx, "GormStore.Diff")
	defer span.End()

	s.lk.Lock()
	defer s.lk.Unlock()

	var changes []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ckpt := models.DiffCheckpoint{ID: checkpointRow}
		if err := tx.FirstOrCreate(&ckpt, models.DiffCheckpoint{ID: checkpointRow}).Error; err != nil {
			return err
		}

		var rows []models.RelationChange
		if err := tx.Where("seq > ?", ckpt.Seq).Order("seq").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		last := rows[len(rows)-1].Seq
		if err := tx.Model(&models.DiffCheckpoint{}).Where("id = ?", checkpointRow).Update("seq", last).Error; err != nil {
			return err
		}
		if err := tx.Where("seq <= ?", last).Delete(&models.RelationChange{}).Error; err != nil {
			return err
		}

		changes = make([]Change, len(rows))
		for i := range rows {
			changes[i] = rowToChange(&rows[i])
		}
		s.log.Debug("consumed change log", "changes", len(rows), "checkpoint", last)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading change log: %w", err)
	}

	d := FoldChanges(changes)
	recordDiff("sql", d)
	return d, nil
}

func rowToChildOf(row *models.Relation) ChildOf {
	return ChildOf{Parent: EntityID(row.Parent), Key: ordkey.Key(row.OrderKey)}
}

func changeToRow(c Change) *models.RelationChange {
	row := &models.RelationChange{Child: uint64(c.Child)}
	if c.Prev != nil {
		row.HasPrev = true
		row.PrevParent = uint64(c.Prev.Parent)
		row.PrevKey = uint32(c.Prev.Key)
	}
	if c.Next != nil {
		row.HasNext = true
		row.NextParent = uint64(c.Next.Parent)
		row.NextKey = uint32(c.Next.Key)
	}
	return row
}

func rowToChange(row *models.RelationChange) Change {
	c := Change{Child: EntityID(row.Child)}
	if row.HasPrev {
		c.Prev = &ChildOf{Parent: EntityID(row.PrevParent), Key: ordkey.Key(row.PrevKey)}
	}
	if row.HasNext {
		c.Next = &ChildOf{Parent: EntityID(row.NextParent), Key: ordkey.Key(row.NextKey)}
	}
	return c
}
