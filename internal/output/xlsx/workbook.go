// Package xlsx renders extracted products into an Excel workbook.
package xlsx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// SheetName is the worksheet holding the product table.
const SheetName = "Products"

// ContentType is the MIME type of the produced workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Header is the first row of the product sheet.
var Header = []any{"Site", "Name", "Price", "Material", "Weight", "Image URL", "Source URL", "Image"}

const (
	imageColumn = "H"
	rowHeight   = 90
)

// Build renders products into an in-memory workbook. Rows keep the order of products.
func Build(products []crawler.Product) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeHeader(f); err != nil {
		return nil, err
	}
	for i, p := range products {
		row := i + 2
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		values := []any{p.Site, p.Name, p.Price, p.Material, p.Weight, p.ImageURL, p.SourceURL}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", row, err)
		}
		if len(p.Thumbnail) == 0 {
			continue
		}
		if err := f.SetRowHeight(SheetName, row, rowHeight); err != nil {
			return nil, fmt.Errorf("row %d height: %w", row, err)
		}
		err = f.AddPictureFromBytes(SheetName, fmt.Sprintf("%s%d", imageColumn, row), &excelize.Picture{
			Extension: ".png",
			File:      p.Thumbnail,
			Format: &excelize.GraphicOptions{
				AltText:         p.Name,
				AutoFit:         true,
				LockAspectRatio: true,
				Positioning:     "oneCell",
			},
		})
		if err != nil {
			return nil, fmt.Errorf("embed image row %d: %w", row, err)
		}
	}
	if len(products) > 0 {
		lastCell, _ := excelize.CoordinatesToCellName(len(Header), len(products)+1)
		if err := f.AutoFilter(SheetName, "A1:"+lastCell, nil); err != nil {
			return nil, fmt.Errorf("auto filter: %w", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf, nil
}

func writeHeader(f *excelize.File) error {
	if err := f.SetSheetRow(SheetName, "A1", &Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", imageColumn+"1", style); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}
	widths := map[string]float64{"A": 14, "B": 40, "C": 12, "D": 18, "E": 12, "F": 50, "G": 50, "H": 18}
	for col, width := range widths {
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return fmt.Errorf("column %s width: %w", col, err)
		}
	}
	return nil
}

// Save writes the workbook to path, creating parent directories.
func Save(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
