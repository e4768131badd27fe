package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/nimbus/clock"
)

type Config struct {
	Clock  clock.Clock  `json:"-"`
	Logger *slog.Logger `json:"-"`
	// TickInterval is the period of the demand evaluation when nothing else
	// triggers one.
	TickInterval time.Duration `json:"tick-interval"`
	// ProvisioningFailureCooldown pauses provisioning for a label after one of
	// its planned nodes failed.
	ProvisioningFailureCooldown time.Duration `json:"provisioning-failure-cooldown"`
}

const DefaultTickInterval = 10 * time.Second

func Validate(config Config) error {
	if config.TickInterval < 0 {
		return fmt.Errorf("tick-interval must not be negative")
	}
	if config.ProvisioningFailureCooldown < 0 {
		return fmt.Errorf("provisioning-failure-cooldown must not be negative")
	}
	return nil
}
