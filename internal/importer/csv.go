// Package importer imports events from CSV files.
package importer

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

// Activity kinds written by the CSV importer.
const (
	KindEvent     = "event"
	KindVenue     = "venue"
	KindOrganizer = "organizer"
)

// Columns the importer understands. Column names are matched case
// insensitively; unknown columns are ignored.
const (
	ColumnUID          = "uid"
	ColumnName         = "name"
	ColumnDescription  = "description"
	ColumnStartDate    = "start_date"
	ColumnStartTime    = "start_time"
	ColumnEndDate      = "end_date"
	ColumnEndTime      = "end_time"
	ColumnAllDay       = "all_day"
	ColumnVenueUID     = "venue_uid"
	ColumnVenueName    = "venue_name"
	ColumnOrganizerUID = "organizer_uid"
	ColumnOrganizer    = "organizer_name"
	ColumnURL          = "url"
	ColumnCategories   = "categories"
)

var dateLayouts = []string{"2006-01-02", "01/02/06", "1/2/06", "01/02/2006", "1/2/2006"}

var timeLayouts = []string{"15:04", "15:04:05", "3:04 pm", "3:04pm"}

// Store persists the events, venues and organizers of an import.
type Store interface {
	UpsertEvent(ctx context.Context, ev *event.Event) (record.Action, error)
	SaveVenue(ctx context.Context, v *event.Venue) error
	VenueByUID(ctx context.Context, uid string) (*event.Venue, error)
	VenueByName(ctx context.Context, name string) (*event.Venue, error)
	SaveOrganizer(ctx context.Context, o *event.Organizer) error
	OrganizerByUID(ctx context.Context, uid string) (*event.Organizer, error)
	OrganizerByName(ctx context.Context, name string) (*event.Organizer, error)
}

// RecordStore persists the csv record of an import.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *record.Record) error
	UpdateRecord(ctx context.Context, r *record.Record) error
}

// CSVImporter reads events from a CSV file one row at a time.
type CSVImporter struct {
	store      Store
	reader     *csv.Reader
	columns    map[string]int
	postStatus string
	recordID   int64
	row        int
	activity   *record.Activity
	location   *time.Location
}

// NewCSVImporter reads the header row of r and returns an importer for the
// rows that follow. Events are created with postStatus.
func NewCSVImporter(r io.Reader, store Store, postStatus string) (*CSVImporter, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.New(errors.ErrInvalid, "CSV file is empty")
		}
		return nil, errors.Wrap(errors.ErrInvalid, "failed to read CSV header", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if name != "" {
			columns[name] = i
		}
	}
	if _, ok := columns[ColumnName]; !ok {
		return nil, errors.Newf(errors.ErrInvalid, "CSV header has no %q column", ColumnName)
	}
	if _, ok := columns[ColumnStartDate]; !ok {
		return nil, errors.Newf(errors.ErrInvalid, "CSV header has no %q column", ColumnStartDate)
	}

	if postStatus == "" {
		postStatus = "publish"
	}

	return &CSVImporter{
		store:      store,
		reader:     reader,
		columns:    columns,
		postStatus: postStatus,
		activity:   record.NewActivity(),
		location:   time.UTC,
	}, nil
}

// SetRecordID tags the imported events with the csv record they came from.
func (i *CSVImporter) SetRecordID(id int64) {
	i.recordID = id
}

// SetLocation sets the time zone dates and times without offset are read in.
func (i *CSVImporter) SetLocation(loc *time.Location) {
	i.location = loc
}

// Activity returns what the importer did so far.
func (i *CSVImporter) Activity() *record.Activity {
	return i.activity
}

// ImportNextRow imports the next row and returns the stored event. Rows
// with a UID update the event already imported with that UID. It returns
// io.EOF once every row was read.
func (i *CSVImporter) ImportNextRow(ctx context.Context) (*event.Event, error) {
	fields, err := i.reader.Read()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(errors.ErrInvalid, "failed to read CSV row", err)
	}
	i.row++

	ev, err := i.rowToEvent(fields)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, fmt.Sprintf("row %d", i.row), err)
	}

	if err := i.resolveVenue(ctx, ev, fields); err != nil {
		return nil, err
	}
	if err := i.resolveOrganizers(ctx, ev, fields); err != nil {
		return nil, err
	}

	action, err := i.store.UpsertEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	i.activity.Add(KindEvent, action, strconv.FormatInt(ev.ID, 10))

	return ev, nil
}

// ImportAll imports every remaining row. A row that cannot be imported is
// logged and skipped.
func (i *CSVImporter) ImportAll(ctx context.Context, logger *logging.Logger) (*record.Activity, error) {
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return i.activity, err
		}
		_, err := i.ImportNextRow(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, errors.ErrStorage) {
				return i.activity, err
			}
			logger.Warning("Skipped CSV row %d: %s", i.row, errors.Message(err))
			failed++
			continue
		}
	}

	if failed > 0 && i.activity.Empty() {
		return i.activity, errors.Newf(errors.ErrImportFailed, "none of the %d rows could be imported", failed)
	}
	return i.activity, nil
}

func (i *CSVImporter) field(fields []string, column string) string {
	idx, ok := i.columns[column]
	if !ok || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

func (i *CSVImporter) rowToEvent(fields []string) (*event.Event, error) {
	ev := &event.Event{
		UID:         i.field(fields, ColumnUID),
		Origin:      string(record.OriginCSV),
		RecordID:    i.recordID,
		Title:       i.field(fields, ColumnName),
		Description: i.field(fields, ColumnDescription),
		URL:         i.field(fields, ColumnURL),
		PostStatus:  i.postStatus,
	}
	if ev.Title == "" {
		return nil, fmt.Errorf("missing %s", ColumnName)
	}

	for _, category := range strings.Split(i.field(fields, ColumnCategories), ",") {
		if category = strings.TrimSpace(category); category != "" {
			ev.Categories = append(ev.Categories, category)
		}
	}

	startDate := i.field(fields, ColumnStartDate)
	startTime := i.field(fields, ColumnStartTime)
	endDate := i.field(fields, ColumnEndDate)
	endTime := i.field(fields, ColumnEndTime)

	// Rows without any time are all-day events
	ev.AllDay = startTime == "" && endTime == ""
	if raw := i.field(fields, ColumnAllDay); raw != "" {
		allDay, err := parseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", ColumnAllDay, raw)
		}
		ev.AllDay = allDay
	}
	if ev.AllDay {
		startTime, endTime = "", ""
	}

	start, err := i.parseDateTime(startDate, startTime)
	if err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}
	ev.Start = start

	if endDate == "" {
		endDate = startDate
	}
	switch {
	case ev.AllDay:
		end, err := i.parseDateTime(endDate, "")
		if err != nil {
			return nil, fmt.Errorf("invalid end: %w", err)
		}
		ev.End = end.AddDate(0, 0, 1)
	case endTime != "":
		end, err := i.parseDateTime(endDate, endTime)
		if err != nil {
			return nil, fmt.Errorf("invalid end: %w", err)
		}
		ev.End = end
	}

	if !ev.End.IsZero() && ev.End.Before(ev.Start) {
		return nil, fmt.Errorf("end %s is before start %s", ev.End.Format(time.RFC3339), ev.Start.Format(time.RFC3339))
	}

	return ev, nil
}

// parseDateTime combines a date column and an optional time column.
func (i *CSVImporter) parseDateTime(date, clock string) (time.Time, error) {
	if date == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}

	var day time.Time
	var err error
	for _, layout := range dateLayouts {
		day, err = time.ParseInLocation(layout, date, i.location)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", date)
	}

	if clock == "" {
		return day, nil
	}

	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, strings.ToLower(clock), i.location)
		if err == nil {
			return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, i.location), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", clock)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// resolveVenue sets the event venue from the venue_uid column, falling back
// to the venue_name column. A named venue that does not exist yet is created.
func (i *CSVImporter) resolveVenue(ctx context.Context, ev *event.Event, fields []string) error {
	uid := i.field(fields, ColumnVenueUID)
	name := i.field(fields, ColumnVenueName)

	if uid != "" {
		venue, err := i.store.VenueByUID(ctx, uid)
		if err == nil {
			ev.VenueID = venue.ID
			ev.Location = venue.Name
			return nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	}

	if name == "" {
		return nil
	}

	venue, err := i.store.VenueByName(ctx, name)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	if venue == nil {
		venue = &event.Venue{UID: uid, Name: name}
		if err := i.store.SaveVenue(ctx, venue); err != nil {
			return err
		}
		i.activity.Add(KindVenue, record.ActionCreated, strconv.FormatInt(venue.ID, 10))
	}
	ev.VenueID = venue.ID
	ev.Location = venue.Name
	return nil
}

// resolveOrganizers sets the event organizers from the comma separated
// organizer_uid column, falling back to organizer_name.
func (i *CSVImporter) resolveOrganizers(ctx context.Context, ev *event.Event, fields []string) error {
	for _, uid := range strings.Split(i.field(fields, ColumnOrganizerUID), ",") {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		organizer, err := i.store.OrganizerByUID(ctx, uid)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ev.OrganizerIDs = append(ev.OrganizerIDs, organizer.ID)
	}
	if len(ev.OrganizerIDs) > 0 {
		return nil
	}

	for _, name := range strings.Split(i.field(fields, ColumnOrganizer), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		organizer, err := i.store.OrganizerByName(ctx, name)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		if organizer == nil {
			organizer = &event.Organizer{Name: name}
			if err := i.store.SaveOrganizer(ctx, organizer); err != nil {
				return err
			}
			i.activity.Add(KindOrganizer, record.ActionCreated, strconv.FormatInt(organizer.ID, 10))
		}
		ev.OrganizerIDs = append(ev.OrganizerIDs, organizer.ID)
	}
	return nil
}

// ImportFile imports the CSV file at path under a new csv record. The record
// is created pending and completed, or failed, once the file was read.
func ImportFile(ctx context.Context, records RecordStore, store Store, path, postStatus string, logger *logging.Logger) (*record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	rec := &record.Record{
		Status:     record.StatusPending,
		Origin:     record.OriginCSV,
		Source:     path,
		PostStatus: postStatus,
	}
	if err := records.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	importer, err := NewCSVImporter(f, store, postStatus)
	if err != nil {
		rec.Fail(errors.Message(err), time.Now())
		if uerr := records.UpdateRecord(ctx, rec); uerr != nil {
			logger.Error("Record (%d) — %s", rec.ID, errors.Message(uerr))
		}
		return rec, err
	}
	importer.SetRecordID(rec.ID)

	activity, err := importer.ImportAll(ctx, logger)
	if err != nil {
		rec.Fail(errors.Message(err), time.Now())
	} else {
		rec.Complete(activity, time.Now())
	}
	if uerr := records.UpdateRecord(ctx, rec); uerr != nil {
		return rec, uerr
	}

	return rec, err
}
