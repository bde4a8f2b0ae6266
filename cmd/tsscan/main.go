package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/fileset"
	"github.com/S0me0neR0man/tsstash/internal/meta"
	"github.com/S0me0neR0man/tsstash/internal/model"
	"github.com/S0me0neR0man/tsstash/internal/tsdb"
)

func main() {
	app := &cli.App{
		Name:  "tsscan",
		Usage: "inspect a tsstash data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "db", Usage: "data directory", EnvVars: []string{"TSSTASH_DATA_DIR"}},
			&cli.StringFlag{Name: "catalog", Value: "db/catalog.yaml", Usage: "catalog yaml file"},
			&cli.BoolFlag{Name: "debug", Usage: "debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "rows",
				Usage:     "print the merged rows of tables",
				ArgsUsage: "uid [uid...]",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "from", Value: math.MinInt64, Usage: "first timestamp"},
					&cli.Int64Flag{Name: "to", Value: math.MaxInt64, Usage: "last timestamp"},
					&cli.BoolFlag{Name: "desc", Usage: "newest first"},
				},
				Action: rows,
			},
			{
				Name:      "blocks",
				Usage:     "print the row count distribution of data blocks",
				ArgsUsage: "uid [uid...]",
				Action:    blocks,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

type store struct {
	db      *tsdb.Tsdb
	catalog *meta.Catalog
}

func openStore(c *cli.Context) (*store, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if c.Bool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	}
	if err != nil {
		return nil, err
	}
	catalog, err := meta.LoadFile(c.String("catalog"), logger)
	if err != nil {
		return nil, err
	}
	codec, err := fileset.NewCodec(c.String("data-dir"), logger)
	if err != nil {
		return nil, err
	}
	db, err := tsdb.Open(tsdb.Options{MinRows: 1, MaxRows: 4096, Codec: codec, Catalog: catalog}, logger)
	if err != nil {
		return nil, err
	}
	return &store{db: db, catalog: catalog}, nil
}

// query resolves the uids given as arguments. All tables must share one schema owner
// so the batches have the same columns.
func (s *store) query(c *cli.Context, order model.Order) (tsdb.QueryCond, error) {
	cond := tsdb.QueryCond{Order: order, Versions: model.AllVersions(), Window: model.AllTime(order)}
	if c.NArg() == 0 {
		return cond, errors.New("no table given")
	}
	owner := uint64(0)
	for _, arg := range c.Args().Slice() {
		uid, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return cond, errors.Wrapf(err, "uid %q", arg)
		}
		info, err := s.catalog.TableInfo(uid)
		if err != nil {
			return cond, errors.Wrapf(err, "table %d", uid)
		}
		if owner != 0 && info.Table.SchemaOwner() != owner {
			return cond, errors.Errorf("table %d does not share the schema of the other tables", uid)
		}
		owner = info.Table.SchemaOwner()
		cond.Tables = append(cond.Tables, info.Table)
	}
	schema, err := s.catalog.Schema(owner, -1)
	if err != nil {
		return cond, err
	}
	cond.Columns = schema.Columns
	return cond, nil
}

func rows(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	order := model.Ascending
	if c.Bool("desc") {
		order = model.Descending
	}
	cond, err := s.query(c, order)
	if err != nil {
		return err
	}
	cond.Window = model.TimeWindow{Skey: c.Int64("from"), Ekey: c.Int64("to")}
	if order == model.Descending {
		cond.Window.Skey, cond.Window.Ekey = cond.Window.Ekey, cond.Window.Skey
	}

	r, err := s.db.OpenReader(c.Context, cond)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	w := c.App.Writer
	for {
		b, err := r.NextBatch(c.Context)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		if !b.Info.Composed {
			if b, err = r.RetrieveDataBlock(c.Context); err != nil {
				return err
			}
		}
		printBatch(w, b)
	}
}

func printBatch(w io.Writer, b *tsdb.Batch) {
	for i := 0; i < b.Rows(); i++ {
		fields := make([]string, 0, len(b.Columns)+1)
		fields = append(fields, b.Info.Table.String())
		for _, col := range b.Columns {
			fields = append(fields, formatValue(col, i))
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
}

func formatValue(col *tsdb.ColumnData, i int) string {
	if col.Nulls[i] {
		return "NULL"
	}
	v := col.Values[i]
	switch col.Info.Type {
	case model.TypeBool:
		return strconv.FormatBool(v.I != 0)
	case model.TypeFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case model.TypeBinary:
		return strconv.Quote(string(v.B))
	}
	return strconv.FormatInt(v.I, 10)
}

func blocks(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	cond, err := s.query(c, model.Ascending)
	if err != nil {
		return err
	}
	r, err := s.db.OpenReader(c.Context, cond)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	d, err := r.FileBlockDistribution(c.Context)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "blocks %d rows %d composed %d\n", d.TotalBlocks, d.TotalRows, d.ComposedBlocks)
	for i, n := range d.Buckets {
		if n == 0 {
			continue
		}
		fmt.Fprintf(w, "%6d-%-6d %d\n", i*d.BucketRows+1, (i+1)*d.BucketRows, n)
	}
	return nil
}
