package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

const (
	productsTable = "data_products"
	groupsTable   = "data_product_groups"
	membersTable  = "data_product_group_members"
	datumsTable   = "reduced_datums"
)

// DataProduct is a stored file attached to an owner (target).
type DataProduct struct {
	ID        int64
	ProductID string
	OwnerID   string
	Tag       string
	Filename  string
	Storage   string
	Location  string
	URL       string
	CreatedAt time.Time
}

type Group struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ReducedDatum is a text result, optionally derived from a data product.
type ReducedDatum struct {
	ID         int64
	OwnerID    string
	ProductID  *int64
	DataType   string
	SourceName string
	Timestamp  time.Time
	Value      string
}

var productColumns = []string{"id", "product_id", "owner_id", "tag", "filename", "storage", "location", "url", "created_at"}

func (s *Store) CreateProduct(ctx context.Context, p *DataProduct) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	ib := s.sql().Insert(productsTable).
		Columns("product_id", "owner_id", "tag", "filename", "storage", "location", "url", "created_at").
		Values(p.ProductID, p.OwnerID, p.Tag, p.Filename, p.Storage, p.Location, p.URL, micros(p.CreatedAt))
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("data product %s: %w", p.ProductID, ErrConflict)
		}
		return fmt.Errorf("insert data product: %w", err)
	}
	p.ID = id
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*DataProduct, error) {
	prods, err := s.selectProducts(ctx, s.productSelect().Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, err
	}
	if len(prods) == 0 {
		return nil, fmt.Errorf("data product %d: %w", id, ErrNotFound)
	}
	return prods[0], nil
}

func (s *Store) GetProductByProductID(ctx context.Context, productID string) (*DataProduct, error) {
	prods, err := s.selectProducts(ctx, s.productSelect().Where(entsql.EQ("product_id", productID)))
	if err != nil {
		return nil, err
	}
	if len(prods) == 0 {
		return nil, fmt.Errorf("data product %s: %w", productID, ErrNotFound)
	}
	return prods[0], nil
}

// GetProducts returns the products with the given ids in id order. Any missing id is an error.
func (s *Store) GetProducts(ctx context.Context, ids []int64) ([]*DataProduct, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	prods, err := s.selectProducts(ctx, s.productSelect().
		Where(entsql.In("id", anySlice(ids)...)).
		OrderBy(entsql.Asc("id")))
	if err != nil {
		return nil, err
	}
	found := make(map[int64]bool, len(prods))
	for _, p := range prods {
		found[p.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, fmt.Errorf("data product %d: %w", id, ErrNotFound)
		}
	}
	return prods, nil
}

func (s *Store) ListProducts(ctx context.Context, owner string) ([]*DataProduct, error) {
	return s.selectProducts(ctx, s.productSelect().
		Where(entsql.EQ("owner_id", owner)).
		OrderBy(entsql.Asc("id")))
}

func (s *Store) ListProductsByTag(ctx context.Context, owner, tag string) ([]*DataProduct, error) {
	return s.selectProducts(ctx, s.productSelect().
		Where(entsql.And(entsql.EQ("owner_id", owner), entsql.EQ("tag", tag))).
		OrderBy(entsql.Asc("id")))
}

// ListGroupProducts returns the members of a group, optionally restricted to one owner.
func (s *Store) ListGroupProducts(ctx context.Context, groupID int64, owner string) ([]*DataProduct, error) {
	members := s.sql().Select("product_id").
		From(s.sql().Table(membersTable)).
		Where(entsql.EQ("group_id", groupID))
	pred := entsql.In("id", members)
	if owner != "" {
		pred = entsql.And(pred, entsql.EQ("owner_id", owner))
	}
	return s.selectProducts(ctx, s.productSelect().Where(pred).OrderBy(entsql.Asc("id")))
}

// DeleteProducts removes products; memberships and reduced datums cascade.
func (s *Store) DeleteProducts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx querier) error {
		args := anySlice(ids)
		if _, err := exec(ctx, tx, s.sql().Delete(datumsTable).Where(entsql.In("product_id", args...))); err != nil {
			return fmt.Errorf("delete reduced datums: %w", err)
		}
		if _, err := exec(ctx, tx, s.sql().Delete(membersTable).Where(entsql.In("product_id", args...))); err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		if _, err := exec(ctx, tx, s.sql().Delete(productsTable).Where(entsql.In("id", args...))); err != nil {
			return fmt.Errorf("delete data products: %w", err)
		}
		return nil
	})
}

func (s *Store) CreateGroup(ctx context.Context, name string) (*Group, error) {
	g := &Group{Name: name, CreatedAt: s.now()}
	ib := s.sql().Insert(groupsTable).Columns("name", "created_at").Values(name, micros(g.CreatedAt))
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("group %s: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}
	g.ID = id
	return g, nil
}

func (s *Store) GetOrCreateGroup(ctx context.Context, name string) (*Group, error) {
	ib := s.sql().Insert(groupsTable).
		Columns("name", "created_at").
		Values(name, micros(s.now())).
		OnConflict(entsql.ConflictColumns("name"), entsql.DoNothing())
	if _, err := exec(ctx, s.drv, ib); err != nil {
		return nil, fmt.Errorf("upsert group: %w", err)
	}
	return s.GetGroupByName(ctx, name)
}

func (s *Store) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return s.getGroup(ctx, entsql.EQ("id", id), fmt.Sprint(id))
}

func (s *Store) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	return s.getGroup(ctx, entsql.EQ("name", name), name)
}

func (s *Store) getGroup(ctx context.Context, pred *entsql.Predicate, label string) (*Group, error) {
	rows, err := query(ctx, s.drv, s.sql().Select("id", "name", "created_at").
		From(s.sql().Table(groupsTable)).Where(pred))
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("group %s: %w", label, ErrNotFound)
	}
	var (
		g       Group
		created int64
	)
	if err := rows.Scan(&g.ID, &g.Name, &created); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.CreatedAt = fromMicros(created)
	return &g, rows.Err()
}

// AddToGroup links products to a group; existing links are left alone.
func (s *Store) AddToGroup(ctx context.Context, groupID int64, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	ib := s.sql().Insert(membersTable).Columns("group_id", "product_id")
	for _, pid := range productIDs {
		ib.Values(groupID, pid)
	}
	ib.OnConflict(entsql.ConflictColumns("group_id", "product_id"), entsql.DoNothing())
	if _, err := exec(ctx, s.drv, ib); err != nil {
		return fmt.Errorf("add to group %d: %w", groupID, err)
	}
	return nil
}

// ProductGroups maps product id to the names of the groups it belongs to.
func (s *Store) ProductGroups(ctx context.Context, owner string) (map[int64][]string, error) {
	m := s.sql().Table(membersTable).As("m")
	g := s.sql().Table(groupsTable).As("g")
	p := s.sql().Table(productsTable).As("p")
	sel := s.sql().Select(m.C("product_id"), g.C("name")).
		From(m).
		Join(g).On(m.C("group_id"), g.C("id")).
		Join(p).On(m.C("product_id"), p.C("id")).
		Where(entsql.EQ(p.C("owner_id"), owner)).
		OrderBy(entsql.Asc(g.C("name")))
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query product groups: %w", err)
	}
	defer rows.Close()
	out := map[int64][]string{}
	for rows.Next() {
		var (
			pid  int64
			name string
		)
		if err := rows.Scan(&pid, &name); err != nil {
			return nil, fmt.Errorf("scan product group: %w", err)
		}
		out[pid] = append(out[pid], name)
	}
	return out, rows.Err()
}

func (s *Store) CreateReducedDatum(ctx context.Context, d *ReducedDatum) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = s.now()
	}
	ib := s.sql().Insert(datumsTable).
		Columns("owner_id", "product_id", "data_type", "source_name", "recorded_at", "value").
		Values(d.OwnerID, nullable(d.ProductID), d.DataType, d.SourceName, micros(d.Timestamp), d.Value)
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		return fmt.Errorf("insert reduced datum: %w", err)
	}
	d.ID = id
	return nil
}

func (s *Store) ListReducedDatums(ctx context.Context, owner string) ([]*ReducedDatum, error) {
	rows, err := query(ctx, s.drv, s.sql().
		Select("id", "owner_id", "product_id", "data_type", "source_name", "recorded_at", "value").
		From(s.sql().Table(datumsTable)).
		Where(entsql.EQ("owner_id", owner)).
		OrderBy(entsql.Asc("id")))
	if err != nil {
		return nil, fmt.Errorf("query reduced datums: %w", err)
	}
	defer rows.Close()
	var out []*ReducedDatum
	for rows.Next() {
		var (
			d   ReducedDatum
			pid stdsql.NullInt64
			ts  int64
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &pid, &d.DataType, &d.SourceName, &ts, &d.Value); err != nil {
			return nil, fmt.Errorf("scan reduced datum: %w", err)
		}
		d.ProductID = int64Ptr(pid)
		d.Timestamp = fromMicros(ts)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) productSelect() *entsql.Selector {
	return s.sql().Select(productColumns...).From(s.sql().Table(productsTable))
}

func (s *Store) selectProducts(ctx context.Context, sel *entsql.Selector) ([]*DataProduct, error) {
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query data products: %w", err)
	}
	defer rows.Close()
	var out []*DataProduct
	for rows.Next() {
		var (
			p       DataProduct
			created int64
		)
		if err := rows.Scan(&p.ID, &p.ProductID, &p.OwnerID, &p.Tag, &p.Filename, &p.Storage, &p.Location, &p.URL, &created); err != nil {
			return nil, fmt.Errorf("scan data product: %w", err)
		}
		p.CreatedAt = fromMicros(created)
		out = append(out, &p)
	}
	return out, rows.Err()
}
