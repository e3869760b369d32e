package datarecording

import (
	"encoding/csv"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/fatih/structs"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// csvWriter records each table into its own CSV file next to the base path.
// Existing files are overwritten. Free-form fields (fault causes) go
// through the csv encoder, so commas and quotes survive.
type csvWriter struct {
	mu   sync.Mutex
	base string

	tables     map[string]*csvTable
	batchSize  int
	entryCount int
	closed     bool
}

type csvTable struct {
	file       *os.File
	out        *csv.Writer
	structType reflect.Type
	entries    []any
}

// NewCSV creates a CSV-backed DataRecorder. Each table lands in
// <base>_<table>.csv; an empty base picks a unique name in the working
// directory.
func NewCSV(base string) DataRecorder {
	if base == "" {
		base = "mpc_recording_" + xid.New().String()
	}

	w := &csvWriter{
		base:      base,
		batchSize: 128,
		tables:    make(map[string]*csvTable),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

func (t *csvWriter) CreateTable(tableName string, sampleEntry any) {
	err := checkStructFields(sampleEntry)
	if err != nil {
		panic(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	filename := t.base + "_" + tableName + ".csv"

	file, err := os.Create(filename)
	if err != nil {
		panic(err)
	}

	out := csv.NewWriter(file)

	err = out.Write(structs.Names(sampleEntry))
	if err != nil {
		panic(err)
	}

	// Land the header right away so even an empty table leaves a usable
	// file behind.
	out.Flush()
	if err := out.Error(); err != nil {
		panic(err)
	}

	t.tables[tableName] = &csvTable{
		file:       file,
		out:        out,
		structType: reflect.TypeOf(sampleEntry),
	}
}

func (t *csvWriter) InsertData(tableName string, entry any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	table, exists := t.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	table.entries = append(table.entries, entry)

	t.entryCount++
	if t.entryCount >= t.batchSize {
		t.flushLocked()
	}
}

func (t *csvWriter) ListTables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	tables := make([]string, 0, len(t.tables))
	for table := range t.tables {
		tables = append(tables, table)
	}

	return tables
}

func (t *csvWriter) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

func (t *csvWriter) flushLocked() {
	if t.entryCount == 0 || t.closed {
		return
	}

	for _, table := range t.tables {
		for _, entry := range table.entries {
			fields := reflect.ValueOf(entry)
			record := make([]string, fields.NumField())

			for i := 0; i < fields.NumField(); i++ {
				record[i] = fmt.Sprintf("%v", fields.Field(i).Interface())
			}

			err := table.out.Write(record)
			if err != nil {
				panic(err)
			}
		}

		table.entries = nil
		table.out.Flush()

		if err := table.out.Error(); err != nil {
			panic(err)
		}
	}

	t.entryCount = 0
}

func (t *csvWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.flushLocked()
	t.closed = true

	for _, table := range t.tables {
		if err := table.file.Close(); err != nil {
			return err
		}
	}

	return nil
}
