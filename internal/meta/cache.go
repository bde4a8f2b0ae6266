package meta

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

type schemaKey struct {
	owner   uint64
	version int32
}

// Cache sits in front of a catalog. Schemas never change once registered under a
// version, so they are kept; existence answers are only deduplicated because tables
// can be dropped at any time.
type Cache struct {
	catalog model.Catalog

	schemas    sync.Map // schemaKey -> *model.Schema
	schemasSFG singleflight.Group
	tablesSFG  singleflight.Group

	sugar *zap.SugaredLogger
}

func NewCache(catalog model.Catalog, logger *zap.Logger) *Cache {
	return &Cache{
		catalog: catalog,
		sugar:   logger.Sugar(),
	}
}

func (c *Cache) TableInfo(uid uint64) (model.TableInfo, error) {
	v, err, _ := c.tablesSFG.Do(strconv.FormatUint(uid, 10), func() (interface{}, error) {
		return c.catalog.TableInfo(uid)
	})
	if err != nil {
		return model.TableInfo{}, err
	}
	return v.(model.TableInfo), nil
}

func (c *Cache) Schema(owner uint64, version int32) (*model.Schema, error) {
	if version < 0 {
		// latest moves with AlterSchema
		return c.catalog.Schema(owner, version)
	}

	key := schemaKey{owner: owner, version: version}
	if s, ok := c.schemas.Load(key); ok {
		return s.(*model.Schema), nil
	}

	sfgKey := strconv.FormatUint(owner, 10) + "/" + strconv.Itoa(int(version))
	v, err, shared := c.schemasSFG.Do(sfgKey, func() (interface{}, error) {
		s, err := c.catalog.Schema(owner, version)
		if err != nil {
			return nil, err
		}
		c.schemas.Store(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	c.sugar.Debugw("schema loaded", "owner", owner, "version", version, "shared", shared)
	return v.(*model.Schema), nil
}
