package submit

import (
	"strconv"

	"github.com/example/ride-composer/internal/models"
)

type Screen string

const (
	ScreenRideDetail  Screen = "RideDetail"
	ScreenRideHistory Screen = "RideHistory"
)

// Directive names the screen a client should open after a successful submit.
type Directive struct {
	Screen Screen            `json:"screen"`
	Params map[string]string `json:"params"`
}

func DirectiveFor(mode models.Mode, rideID int64) Directive {
	switch mode {
	case models.ModeScheduled:
		return Directive{Screen: ScreenRideHistory, Params: map[string]string{"tab": "scheduled"}}
	case models.ModeRecurring:
		return Directive{Screen: ScreenRideHistory, Params: map[string]string{"tab": "recurring"}}
	default:
		return Directive{Screen: ScreenRideDetail, Params: map[string]string{"rideId": strconv.FormatInt(rideID, 10)}}
	}
}
