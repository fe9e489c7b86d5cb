package devserver

import (
	"fmt"

	"github.com/ultraride/ridesync/internal/ride"
)

type SeedUser struct {
	Email       string
	Password    string
	DisplayName string
	City        string
	// Events lists the event ids the rider is registered for.
	Events []string
}

type Seed struct {
	Events []ride.Event
	Users  []SeedUser
}

// Apply loads seed into the server. Users without a display name get no profile, so the
// client provisions one on first read.
func (s *Server) Apply(seed Seed) error {
	if len(seed.Events) > 0 {
		s.PublishEvents(seed.Events)
	}
	for _, user := range seed.Users {
		if err := s.store.AddUser(user.Email, user.Password); err != nil {
			return fmt.Errorf("seed user %s: %w", user.Email, err)
		}
		if user.DisplayName != "" {
			name, city := user.DisplayName, user.City
			s.store.PatchProfile(user.Email, ride.ProfileUpdate{DisplayName: &name, City: &city})
		}
		for _, eventID := range user.Events {
			if err := s.store.Register(user.Email, eventID); err != nil {
				return fmt.Errorf("seed registration %s/%s: %w", user.Email, eventID, err)
			}
		}
	}
	return nil
}

func DemoSeed() Seed {
	return Seed{
		Events: []ride.Event{
			{
				ID:         "evt-1",
				Name:       "Harbour Loop",
				Slug:       "harbour-loop",
				Date:       "2026-11-07",
				DistanceKM: 42,
				Tags:       []string{"road", "coastal"},
				Highlights: []string{"Lighthouse climb", "Ferry crossing"},
			},
			{
				ID:         "evt-2",
				Name:       "Ridge Gravel 80",
				Slug:       "ridge-gravel-80",
				Date:       "2026-12-05",
				DistanceKM: 80,
				Tags:       []string{"gravel"},
			},
			{
				ID:         "evt-3",
				Name:       "Night Criterium",
				Slug:       "night-criterium",
				Date:       "2027-01-16",
				DistanceKM: 25,
				Tags:       []string{"road", "night"},
			},
		},
		Users: []SeedUser{
			{
				Email:       "demo@ultraride.dev",
				Password:    "ridesync-demo",
				DisplayName: "Demo Rider",
				City:        "Lisbon",
				Events:      []string{"evt-1", "evt-2"},
			},
			{
				Email:    "newcomer@ultraride.dev",
				Password: "ridesync-demo",
				Events:   []string{"evt-1"},
			},
		},
	}
}
