package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ms-settlement/internal/models"
)

// Checkout metadata keys written by the storefront at session creation.
const (
	metaType         = "type"
	metaCourseType   = "courseType"
	metaEventID      = "eventId"
	metaEventData    = "eventData"
	metaParticipants = "nombreParticipants"
	metaAdults       = "adultes"
	metaChildren     = "enfants"
	metaAgeGroup     = "ageGroup"
	metaTrialCourse  = "trialCourse"
	metaClassic      = "classicCourses"
	metaName         = "nom"
	metaEmail        = "email"
	metaPhone        = "telephone"

	anonymousName = "Anonyme"
)

var ErrMalformedMetadata = errors.New("malformed booking metadata")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMetadata, fmt.Sprintf(format, args...))
}

type eventData struct {
	ID    json.RawMessage `json:"id"`
	Title string          `json:"title"`
	Place string          `json:"place"`
	Date  string          `json:"date"`
	Hours string          `json:"hours"`
}

// ParseBooking turns the untrusted metadata bag into a typed booking.
// fallback is the customer reported by the processor.
func ParseBooking(meta map[string]string, fallback models.Customer) (models.Booking, error) {
	kind, err := parseKind(meta)
	if err != nil {
		return models.Booking{}, err
	}

	snapshot, snapshotID, snapshotErr := parseEventData(meta[metaEventData])

	eventID := strings.TrimSpace(meta[metaEventID])
	if eventID == "" {
		if snapshotErr != nil {
			return models.Booking{}, snapshotErr
		}
		eventID = snapshotID
	}
	if eventID == "" {
		return models.Booking{}, malformed("no event id")
	}

	booking := models.Booking{
		Kind:     kind,
		EventID:  eventID,
		Customer: resolveCustomer(meta, fallback),
	}
	if snapshotErr == nil {
		booking.Event = snapshot
	}

	switch kind {
	case models.KindTraineeship:
		participants, err := positiveInt(meta, metaParticipants)
		if err != nil {
			return models.Booking{}, err
		}
		booking.Traineeship = &models.TraineeshipDetails{
			Participants: participants,
			AgeGroup:     meta[metaAgeGroup],
		}
	case models.KindShow:
		adults, err := countInt(meta, metaAdults)
		if err != nil {
			return models.Booking{}, err
		}
		children, err := countInt(meta, metaChildren)
		if err != nil {
			return models.Booking{}, err
		}
		if adults+children <= 0 {
			return models.Booking{}, malformed("show booking for zero people")
		}
		booking.Show = &models.ShowDetails{Adults: adults, Children: children}
	case models.KindTrialCourse:
		booking.Course = &models.CourseDetails{AgeGroup: meta[metaAgeGroup], Selection: meta[metaTrialCourse]}
	case models.KindClassicCourse:
		booking.Course = &models.CourseDetails{AgeGroup: meta[metaAgeGroup], Selection: meta[metaClassic]}
	}

	if booking.Customer.Email == "" {
		return models.Booking{}, malformed("no customer email")
	}
	return booking, nil
}

func parseKind(meta map[string]string) (models.BookingKind, error) {
	raw := strings.TrimSpace(meta[metaType])
	switch raw {
	case "":
		return "", malformed("missing %s", metaType)
	case "courses":
		switch strings.TrimSpace(meta[metaCourseType]) {
		case "trial":
			return models.KindTrialCourse, nil
		case "classic":
			return models.KindClassicCourse, nil
		default:
			return "", malformed("courses booking with course type %q", meta[metaCourseType])
		}
	}
	kind, err := models.ParseBookingKind(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return kind, nil
}

// parseEventData accepts a JSON object or a JSON array whose first element
// is the booked event.
func parseEventData(raw string) (*models.EventSnapshot, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, "", nil
	}

	var data eventData
	if strings.HasPrefix(raw, "[") {
		var list []eventData
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, "", malformed("eventData: %v", err)
		}
		if len(list) == 0 {
			return nil, "", nil
		}
		data = list[0]
	} else if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, "", malformed("eventData: %v", err)
	}

	snapshot := &models.EventSnapshot{Title: data.Title, Place: data.Place, Date: data.Date, Hours: data.Hours}
	return snapshot, rawID(data.ID), nil
}

// rawID reads an id that may have been sent as a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func positiveInt(meta map[string]string, key string) (int, error) {
	n, err := countInt(meta, key)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, malformed("%s must be positive, got %d", key, n)
	}
	return n, nil
}

// countInt reads a non-negative count. A missing key counts as zero.
func countInt(meta map[string]string, key string) (int, error) {
	raw := strings.TrimSpace(meta[key])
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, malformed("%s is not an integer: %q", key, raw)
	}
	if n < 0 {
		return 0, malformed("%s is negative: %d", key, n)
	}
	return n, nil
}

func resolveCustomer(meta map[string]string, fallback models.Customer) models.Customer {
	return models.Customer{
		Name:  firstNonEmpty(meta[metaName], fallback.Name, anonymousName),
		Email: strings.ToLower(firstNonEmpty(meta[metaEmail], fallback.Email)),
		Phone: firstNonEmpty(meta[metaPhone], fallback.Phone),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
