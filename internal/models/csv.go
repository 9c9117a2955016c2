package models

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ColumnTimestamp   = "timestamp"
	ColumnWaferID     = "wafer_id"
	ColumnDieID       = "die_id"
	ColumnIsPassing   = "is_passing"
	ColumnVoltage     = "voltage"
	ColumnCurrent     = "current"
	ColumnTemperature = "temperature"

	BinColumnPrefix = "bin_"
)

// RequiredColumns are the non-bin columns every dataset must carry.
var RequiredColumns = []string{
	ColumnTimestamp,
	ColumnWaferID,
	ColumnDieID,
	ColumnIsPassing,
	ColumnVoltage,
	ColumnCurrent,
	ColumnTemperature,
}

// WriteCSV writes the dataset with a header row. Bin columns sit between
// is_passing and the process parameters, in schema order.
func WriteCSV(w io.Writer, ds Dataset) error {
	cw := csv.NewWriter(w)

	header := []string{ColumnTimestamp, ColumnWaferID, ColumnDieID, ColumnIsPassing}
	header = append(header, ds.BinColumns...)
	header = append(header, ColumnVoltage, ColumnCurrent, ColumnTemperature)
	if err := cw.Write(header); err != nil {
		return errors.WithStack(err)
	}

	row := make([]string, len(header))
	for _, r := range ds.Records {
		row[0] = r.Timestamp.Format(time.RFC3339Nano)
		row[1] = r.WaferID
		row[2] = r.DieID
		row[3] = strconv.FormatBool(r.IsPassing)
		for i, c := range ds.BinColumns {
			row[4+i] = strconv.FormatBool(r.Bins[c])
		}
		n := 4 + len(ds.BinColumns)
		row[n] = strconv.FormatFloat(r.Voltage, 'g', -1, 64)
		row[n+1] = strconv.FormatFloat(r.Current, 'g', -1, 64)
		row[n+2] = strconv.FormatFloat(r.Temperature, 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return errors.WithStack(err)
		}
	}

	cw.Flush()
	return errors.WithStack(cw.Error())
}

// ReadCSV parses a dataset written by WriteCSV. A header missing any required
// column, or declaring no bin column, is rejected with ErrMalformedDataset.
func ReadCSV(r io.Reader) (Dataset, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return Dataset{}, errors.Wrap(ErrMalformedDataset, "missing header row")
		}
		return Dataset{}, errors.WithStack(err)
	}

	index := make(map[string]int, len(header))
	var ds Dataset
	for i, col := range header {
		col = strings.TrimSpace(col)
		index[col] = i
		if strings.HasPrefix(col, BinColumnPrefix) {
			ds.BinColumns = append(ds.BinColumns, col)
		}
	}
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			return Dataset{}, errors.Wrapf(ErrMalformedDataset, "missing column %s", col)
		}
	}
	if len(ds.BinColumns) == 0 {
		return Dataset{}, errors.Wrap(ErrMalformedDataset, "no bin columns")
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Dataset{}, errors.Wrapf(err, "line %d", line)
		}
		rec, err := parseRow(row, index, ds.BinColumns)
		if err != nil {
			return Dataset{}, errors.Wrapf(err, "line %d", line)
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}

func parseRow(row []string, index map[string]int, bins []string) (TestRecord, error) {
	var (
		rec TestRecord
		err error
	)
	if rec.Timestamp, err = parseTimestamp(row[index[ColumnTimestamp]]); err != nil {
		return rec, err
	}
	rec.WaferID = row[index[ColumnWaferID]]
	rec.DieID = row[index[ColumnDieID]]
	if rec.IsPassing, err = parseBool(row[index[ColumnIsPassing]]); err != nil {
		return rec, err
	}
	rec.Bins = make(map[string]bool, len(bins))
	for _, c := range bins {
		if rec.Bins[c], err = parseBool(row[index[c]]); err != nil {
			return rec, errors.Wrapf(err, "column %s", c)
		}
	}
	if rec.Voltage, err = strconv.ParseFloat(row[index[ColumnVoltage]], 64); err != nil {
		return rec, errors.WithStack(err)
	}
	if rec.Current, err = strconv.ParseFloat(row[index[ColumnCurrent]], 64); err != nil {
		return rec, errors.WithStack(err)
	}
	if rec.Temperature, err = strconv.ParseFloat(row[index[ColumnTemperature]], 64); err != nil {
		return rec, errors.WithStack(err)
	}
	return rec, nil
}

// timestampLayouts are tried in order. The space-separated forms are what
// pandas writes for naive datetimes; those are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

// parseBool also accepts the capitalised True/False spelling written by
// pandas exports.
func parseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, errors.WithStack(err)
	}
	return b, nil
}
