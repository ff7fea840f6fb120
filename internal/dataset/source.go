package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// RowSource yields a header and then data records until io.EOF.
type RowSource interface {
	Header() []string
	Next() ([]string, error)
	Close() error
}

// Supported data file extensions, lower case.
const (
	ExtCSV  = ".csv"
	ExtXLSX = ".xlsx"
)

// IsDataFile reports whether path has a supported data extension.
func IsDataFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCSV, ExtXLSX:
		return true
	}
	return false
}

// OpenFile opens a CSV or XLSX source based on the file extension.
func OpenFile(path string) (RowSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCSV:
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", path, err)
		}
		src, err := NewCSVSource(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("read %q header: %w", path, err)
		}
		return src, nil
	case ExtXLSX:
		src, err := OpenXLSX(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("unsupported data file %q", path)
}

// CSVSource reads comma separated records. Rows may have fewer or more
// fields than the header.
type CSVSource struct {
	reader *csv.Reader
	closer io.Closer
	header []string
}

// NewCSVSource reads the header from r. If r is an io.Closer it is closed
// by Close.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}

	src := &CSVSource{reader: reader, header: cleanHeader(header)}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func (s *CSVSource) Header() []string { return s.header }

func (s *CSVSource) Next() ([]string, error) {
	return s.reader.Read()
}

func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// XLSXSource reads the first sheet of a workbook.
type XLSXSource struct {
	book   *excelize.File
	rows   *excelize.Rows
	header []string
}

// OpenXLSX opens path and reads the header row of its first sheet.
func OpenXLSX(path string) (*XLSXSource, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		book.Close()
		return nil, fmt.Errorf("read %q: workbook has no sheets", path)
	}

	rows, err := book.Rows(sheets[0])
	if err != nil {
		book.Close()
		return nil, fmt.Errorf("read %q sheet %q: %w", path, sheets[0], err)
	}

	src := &XLSXSource{book: book, rows: rows}
	header, err := src.Next()
	if err != nil {
		src.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %q: empty sheet", path)
		}
		return nil, fmt.Errorf("read %q header: %w", path, err)
	}
	src.header = cleanHeader(header)
	return src, nil
}

func (s *XLSXSource) Header() []string { return s.header }

func (s *XLSXSource) Next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns()
}

func (s *XLSXSource) Close() error {
	if s.rows != nil {
		s.rows.Close()
	}
	return s.book.Close()
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, name := range header {
		out[i] = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	}
	return out
}
