package meta

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

var (
	ErrTableExists   = errors.New("table already exists")
	ErrBadSchema     = errors.New("bad schema")
	ErrSchemaVersion = errors.New("schema version must grow")
)

type tableEntry struct {
	info model.TableInfo
}

// Catalog is an in-memory metadata catalog of super, child and normal tables
// with versioned schemas.
type Catalog struct {
	mu      sync.RWMutex
	tables  map[uint64]tableEntry
	schemas map[uint64][]*model.Schema // owner -> versions ascending
	sugar   *zap.SugaredLogger
}

func NewCatalog(logger *zap.Logger) *Catalog {
	return &Catalog{
		tables:  make(map[uint64]tableEntry),
		schemas: make(map[uint64][]*model.Schema),
		sugar:   logger.Sugar(),
	}
}

func validateSchema(s *model.Schema) error {
	if len(s.Columns) == 0 || s.Columns[0].ID != model.PrimaryTsColumn || s.Columns[0].Type != model.TypeTimestamp {
		return errors.Wrap(ErrBadSchema, "first column must be the primary timestamp")
	}
	if !sort.SliceIsSorted(s.Columns, func(i, j int) bool { return s.Columns[i].ID < s.Columns[j].ID }) {
		return errors.Wrap(ErrBadSchema, "columns must be sorted by id")
	}
	for i := 1; i < len(s.Columns); i++ {
		if s.Columns[i].ID == s.Columns[i-1].ID {
			return errors.Wrapf(ErrBadSchema, "duplicate column %d", s.Columns[i].ID)
		}
	}
	return nil
}

func (c *Catalog) createOwner(uid uint64, info model.TableInfo, schema *model.Schema) error {
	if err := validateSchema(schema); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[uid]; ok {
		return errors.Wrapf(ErrTableExists, "uid %d", uid)
	}
	info.SchemaVersion = schema.Version
	c.tables[uid] = tableEntry{info: info}
	c.schemas[uid] = []*model.Schema{schema}
	return nil
}

func (c *Catalog) CreateSuperTable(suid uint64, schema *model.Schema) error {
	return c.createOwner(suid, model.TableInfo{Table: model.TableID{Uid: suid}, Kind: model.SuperTable}, schema)
}

func (c *Catalog) CreateNormalTable(uid uint64, schema *model.Schema) error {
	return c.createOwner(uid, model.TableInfo{Table: model.TableID{Uid: uid}, Kind: model.NormalTable}, schema)
}

func (c *Catalog) CreateChildTable(suid, uid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.tables[suid]
	if !ok || st.info.Kind != model.SuperTable {
		return errors.Wrapf(model.ErrNotFound, "super table %d", suid)
	}
	if _, ok := c.tables[uid]; ok {
		return errors.Wrapf(ErrTableExists, "uid %d", uid)
	}
	c.tables[uid] = tableEntry{info: model.TableInfo{
		Table:         model.TableID{Suid: suid, Uid: uid},
		Kind:          model.ChildTable,
		SchemaVersion: st.info.SchemaVersion,
	}}
	return nil
}

// DropTable removes a table. Dropping a super table drops its children too.
func (c *Catalog) DropTable(uid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.tables[uid]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "uid %d", uid)
	}
	delete(c.tables, uid)
	delete(c.schemas, uid)
	if e.info.Kind == model.SuperTable {
		for id, child := range c.tables {
			if child.info.Table.Suid == uid {
				delete(c.tables, id)
			}
		}
	}
	c.sugar.Debugw("table dropped", "uid", uid, "kind", e.info.Kind)
	return nil
}

// AlterSchema registers a newer schema version for a super or normal table.
func (c *Catalog) AlterSchema(owner uint64, schema *model.Schema) error {
	if err := validateSchema(schema); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	versions, ok := c.schemas[owner]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "schema owner %d", owner)
	}
	if schema.Version <= versions[len(versions)-1].Version {
		return errors.Wrapf(ErrSchemaVersion, "owner %d version %d", owner, schema.Version)
	}
	c.schemas[owner] = append(versions, schema)

	for id, e := range c.tables {
		if id == owner || e.info.Table.Suid == owner {
			e.info.SchemaVersion = schema.Version
			c.tables[id] = e
		}
	}
	return nil
}

func (c *Catalog) TableInfo(uid uint64) (model.TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tables[uid]
	if !ok {
		return model.TableInfo{}, model.ErrNotFound
	}
	return e.info, nil
}

func (c *Catalog) Schema(owner uint64, version int32) (*model.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions, ok := c.schemas[owner]
	if !ok {
		return nil, model.ErrNotFound
	}
	if version < 0 {
		return versions[len(versions)-1], nil
	}
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
	if i < len(versions) && versions[i].Version == version {
		return versions[i], nil
	}
	return nil, model.ErrNotFound
}

type fileTable struct {
	Uid     uint64          `yaml:"uid"`
	Kind    string          `yaml:"kind"`
	Suid    uint64          `yaml:"suid"`
	Schemas []*model.Schema `yaml:"schemas"`
}

type catalogFile struct {
	Tables []fileTable `yaml:"tables"`
}

// LoadFile builds a catalog from a YAML description. Super tables must be listed
// before their children.
func LoadFile(path string, logger *zap.Logger) (*Catalog, error) {
	const msg = "LoadFile:"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s read %s", msg, path)
	}
	var f catalogFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrapf(err, "%s parse %s", msg, path)
	}

	c := NewCatalog(logger)
	for _, t := range f.Tables {
		switch t.Kind {
		case "super", "normal":
			if len(t.Schemas) == 0 {
				return nil, fmt.Errorf("%s table %d has no schema", msg, t.Uid)
			}
			if t.Kind == "super" {
				err = c.CreateSuperTable(t.Uid, t.Schemas[0])
			} else {
				err = c.CreateNormalTable(t.Uid, t.Schemas[0])
			}
			for i := 1; err == nil && i < len(t.Schemas); i++ {
				err = c.AlterSchema(t.Uid, t.Schemas[i])
			}
		case "child":
			err = c.CreateChildTable(t.Suid, t.Uid)
		default:
			err = fmt.Errorf("%s table %d has unknown kind %q", msg, t.Uid, t.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	logger.Sugar().Infow("catalog loaded", "path", path, "tables", len(f.Tables))
	return c, nil
}
