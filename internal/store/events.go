package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

const eventColumns = `id, uid, origin, record_id, title, description, location, url, start_at, end_at, all_day, categories, venue_id, organizer_ids, post_status`

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev                       event.Event
		startAt, endAt           int64
		allDay                   int
		categories, organizerIDs string
	)
	if err := row.Scan(&ev.ID, &ev.UID, &ev.Origin, &ev.RecordID, &ev.Title, &ev.Description, &ev.Location, &ev.URL,
		&startAt, &endAt, &allDay, &categories, &ev.VenueID, &organizerIDs, &ev.PostStatus); err != nil {
		return nil, err
	}

	ev.Start = fromUnix(startAt)
	ev.End = fromUnix(endAt)
	ev.AllDay = allDay != 0
	if categories != "" {
		ev.Categories = strings.Split(categories, ",")
	}
	for _, raw := range strings.Split(organizerIDs, ",") {
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid organizer id %q on event %d: %w", raw, ev.ID, err)
		}
		ev.OrganizerIDs = append(ev.OrganizerIDs, id)
	}

	return &ev, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertEvent stores ev. An event with the same origin and a non-empty UID is
// updated in place, or skipped when nothing changed; anything else is
// inserted. ev.ID is set in every case.
func (s *Store) UpsertEvent(ctx context.Context, ev *event.Event) (record.Action, error) {
	if ev.PostStatus == "" {
		ev.PostStatus = "publish"
	}

	if ev.UID != "" {
		existing, err := s.EventByUID(ctx, ev.Origin, ev.UID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return "", err
		}
		if existing != nil {
			ev.ID = existing.ID
			if event.Equal(existing, ev) {
				return record.ActionSkipped, nil
			}
			if err := s.updateEvent(ctx, ev); err != nil {
				return "", err
			}
			return record.ActionUpdated, nil
		}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO events
		(uid, origin, record_id, title, description, location, url, start_at, end_at, all_day, categories, venue_id, organizer_ids, post_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UID, ev.Origin, ev.RecordID, ev.Title, ev.Description, ev.Location, ev.URL, toUnix(ev.Start), toUnix(ev.End),
		boolToInt(ev.AllDay), strings.Join(ev.Categories, ","), ev.VenueID, joinIDs(ev.OrganizerIDs), ev.PostStatus)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to insert event %q", ev.Title), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to read event id", err)
	}
	ev.ID = id

	return record.ActionCreated, nil
}

func (s *Store) updateEvent(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET
		record_id = ?, title = ?, description = ?, location = ?, url = ?, start_at = ?, end_at = ?, all_day = ?,
		categories = ?, venue_id = ?, organizer_ids = ?, post_status = ?
		WHERE id = ?`,
		ev.RecordID, ev.Title, ev.Description, ev.Location, ev.URL, toUnix(ev.Start), toUnix(ev.End), boolToInt(ev.AllDay),
		strings.Join(ev.Categories, ","), ev.VenueID, joinIDs(ev.OrganizerIDs), ev.PostStatus, ev.ID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to update event %d", ev.ID), err)
	}
	return nil
}

// Event fetches an event by id.
func (s *Store) Event(ctx context.Context, id int64) (*event.Event, error) {
	return s.queryEvent(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
}

// EventByUID fetches the event of origin carrying uid.
func (s *Store) EventByUID(ctx context.Context, origin, uid string) (*event.Event, error) {
	return s.queryEvent(ctx, `SELECT `+eventColumns+` FROM events WHERE origin = ? AND uid = ?`, origin, uid)
}

// Events returns every event imported by recordID, or all events when
// recordID is zero.
func (s *Store) Events(ctx context.Context, recordID int64) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if recordID != 0 {
		query += ` WHERE record_id = ?`
		args = append(args, recordID)
	}
	query += ` ORDER BY start_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query events", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan event", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) queryEvent(ctx context.Context, query string, args ...any) (*event.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "event not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load event", err)
	}
	return ev, nil
}

// SaveVenue inserts v, or updates it when v.ID is set.
func (s *Store) SaveVenue(ctx context.Context, v *event.Venue) error {
	if v.ID != 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE venues SET uid = ?, name = ?, address = ?, city = ?, country = ? WHERE id = ?`,
			v.UID, v.Name, v.Address, v.City, v.Country, v.ID)
		if err != nil {
			return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to update venue %d", v.ID), err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO venues (uid, name, address, city, country) VALUES (?, ?, ?, ?, ?)`,
		v.UID, v.Name, v.Address, v.City, v.Country)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to insert venue %q", v.Name), err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

// VenueByUID returns the venue carrying uid.
func (s *Store) VenueByUID(ctx context.Context, uid string) (*event.Venue, error) {
	return s.queryVenue(ctx, `SELECT id, uid, name, address, city, country FROM venues WHERE uid = ? AND uid != ''`, uid)
}

// VenueByName returns the first venue called name.
func (s *Store) VenueByName(ctx context.Context, name string) (*event.Venue, error) {
	return s.queryVenue(ctx, `SELECT id, uid, name, address, city, country FROM venues WHERE name = ? ORDER BY id LIMIT 1`, name)
}

func (s *Store) queryVenue(ctx context.Context, query string, args ...any) (*event.Venue, error) {
	var v event.Venue
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&v.ID, &v.UID, &v.Name, &v.Address, &v.City, &v.Country)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "venue not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load venue", err)
	}
	return &v, nil
}

// SaveOrganizer inserts o, or updates it when o.ID is set.
func (s *Store) SaveOrganizer(ctx context.Context, o *event.Organizer) error {
	if o.ID != 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE organizers SET uid = ?, name = ?, email = ?, website = ?, phone = ? WHERE id = ?`,
			o.UID, o.Name, o.Email, o.Website, o.Phone, o.ID)
		if err != nil {
			return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to update organizer %d", o.ID), err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO organizers (uid, name, email, website, phone) VALUES (?, ?, ?, ?, ?)`,
		o.UID, o.Name, o.Email, o.Website, o.Phone)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to insert organizer %q", o.Name), err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// OrganizerByUID returns the organizer carrying uid.
func (s *Store) OrganizerByUID(ctx context.Context, uid string) (*event.Organizer, error) {
	return s.queryOrganizer(ctx, `SELECT id, uid, name, email, website, phone FROM organizers WHERE uid = ? AND uid != ''`, uid)
}

// OrganizerByName returns the first organizer called name.
func (s *Store) OrganizerByName(ctx context.Context, name string) (*event.Organizer, error) {
	return s.queryOrganizer(ctx, `SELECT id, uid, name, email, website, phone FROM organizers WHERE name = ? ORDER BY id LIMIT 1`, name)
}

func (s *Store) queryOrganizer(ctx context.Context, query string, args ...any) (*event.Organizer, error) {
	var o event.Organizer
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&o.ID, &o.UID, &o.Name, &o.Email, &o.Website, &o.Phone)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "organizer not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load organizer", err)
	}
	return &o, nil
}
