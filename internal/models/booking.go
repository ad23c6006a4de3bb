package models

import "fmt"

// BookingKind is the closed set of bookable event families.
type BookingKind string

const (
	KindTraineeship   BookingKind = "traineeship"
	KindShow          BookingKind = "show"
	KindClassicCourse BookingKind = "classic-course"
	KindTrialCourse   BookingKind = "trial-course"
)

var bookingKinds = []BookingKind{KindTraineeship, KindShow, KindClassicCourse, KindTrialCourse}

// BookingKinds returns every known kind in a stable order.
func BookingKinds() []BookingKind {
	out := make([]BookingKind, len(bookingKinds))
	copy(out, bookingKinds)
	return out
}

func (k BookingKind) Valid() bool {
	for _, known := range bookingKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseBookingKind accepts the canonical kind names only.
func ParseBookingKind(s string) (BookingKind, error) {
	k := BookingKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown booking kind %q", s)
	}
	return k, nil
}

type Customer struct {
	Name  string `bun:"name" json:"name"`
	Email string `bun:"email" json:"email"`
	Phone string `bun:"phone" json:"phone,omitempty"`
}

// EventSnapshot is the denormalized copy of the booked event taken at settlement time.
type EventSnapshot struct {
	Title string `json:"title"`
	Place string `json:"place"`
	Date  string `json:"date"`
	Hours string `json:"hours"`
}

type TraineeshipDetails struct {
	Participants int    `json:"participants"`
	AgeGroup     string `json:"age_group,omitempty"`
}

type ShowDetails struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
}

type CourseDetails struct {
	AgeGroup string `json:"age_group,omitempty"`
	// Selection is the raw sub-selection (chosen slot or slots) sent at checkout.
	Selection string `json:"selection,omitempty"`
}

// Booking is the validated form of the checkout metadata bag. Exactly one of
// Traineeship, Show or Course is set, matching Kind.
type Booking struct {
	Kind    BookingKind
	EventID string

	Traineeship *TraineeshipDetails
	Show        *ShowDetails
	Course      *CourseDetails

	Event    *EventSnapshot
	Customer Customer
}

// Places is the capacity a booking consumes.
func (b Booking) Places() int {
	switch b.Kind {
	case KindTraineeship:
		if b.Traineeship == nil {
			return 0
		}
		return b.Traineeship.Participants
	case KindShow:
		if b.Show == nil {
			return 0
		}
		return b.Show.Adults + b.Show.Children
	case KindClassicCourse, KindTrialCourse:
		return 1
	}
	return 0
}
