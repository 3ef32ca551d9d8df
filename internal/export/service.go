// Package export builds spreadsheet downloads of a target's work.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
)

const (
	processesSheet = "Processes"
	productsSheet  = "Products"
	timeLayout     = "2006-01-02 15:04:05"
)

type Store interface {
	ListProcesses(ctx context.Context, owner string) ([]*process.Record, error)
	ListProducts(ctx context.Context, owner string) ([]*store.DataProduct, error)
	ProductGroups(ctx context.Context, owner string) (map[int64][]string, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// OwnerXLSX returns a workbook listing the owner's processes and data products.
func (s *Service) OwnerXLSX(ctx context.Context, owner string) ([]byte, error) {
	start := time.Now()
	procs, err := s.store.ListProcesses(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	prods, err := s.store.ListProducts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	groups, err := s.store.ProductGroups(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	procRows := make([][]any, 0, len(procs))
	for _, p := range procs {
		terminal, failure := "", ""
		if p.TerminalAt != nil {
			terminal = p.TerminalAt.Format(timeLayout)
		}
		if p.FailureMessage != nil {
			failure = *p.FailureMessage
		}
		procRows = append(procRows, []any{p.Identifier, p.JobType, string(p.Status), p.CreatedAt.Format(timeLayout), terminal, failure})
	}
	if err := writeSheet(f, processesSheet, []string{"Identifier", "Type", "Status", "Created", "Terminal", "Failure"}, procRows); err != nil {
		return nil, err
	}

	prodRows := make([][]any, 0, len(prods))
	for _, p := range prods {
		prodRows = append(prodRows, []any{p.ProductID, p.Tag, p.Filename, p.URL, strings.Join(groups[p.ID], ", ")})
	}
	if err := writeSheet(f, productsSheet, []string{"Product ID", "Tag", "Filename", "URL", "Groups"}, prodRows); err != nil {
		return nil, err
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(processesSheet)
	f.SetActiveSheet(idx)

	_ = f.SetColWidth(processesSheet, "A", "A", 40)
	_ = f.SetColWidth(processesSheet, "D", "E", 20)
	_ = f.SetColWidth(processesSheet, "F", "F", 48)
	_ = f.SetColWidth(productsSheet, "A", "A", 48)
	_ = f.SetColWidth(productsSheet, "D", "D", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"owner", owner,
		"processes", len(procs),
		"products", len(prods),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return err
		}
	}
	return nil
}
