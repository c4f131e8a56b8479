package overclock

import (
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Profile is the tagged union of vendor-specific overclock settings.
// Each vendor's valid field set is enforced by its concrete type rather
// than a loosely typed record.
type Profile interface {
	Vendor() models.GPUVendor
	Validate() error
}

// NvidiaProfile holds NVIDIA clock/power/fan settings. Nil fields are
// left untouched on the device.
type NvidiaProfile struct {
	Name            string
	PowerLimitW     *int
	CoreClockOffset *int
	MemClockOffset  *int
	FanSpeedPercent *int
}

// Vendor returns the NVIDIA discriminator.
func (p NvidiaProfile) Vendor() models.GPUVendor { return models.GPUVendorNvidia }

// Validate range-checks every set field.
func (p NvidiaProfile) Validate() error {
	if p.PowerLimitW != nil {
		if err := validate.IntInRange("power_limit", *p.PowerLimitW, 50, 600); err != nil {
			return err
		}
	}
	if p.CoreClockOffset != nil {
		if err := validate.IntInRange("core_clock_offset", *p.CoreClockOffset, -1000, 1500); err != nil {
			return err
		}
	}
	if p.MemClockOffset != nil {
		if err := validate.IntInRange("mem_clock_offset", *p.MemClockOffset, -2000, 3000); err != nil {
			return err
		}
	}
	if p.FanSpeedPercent != nil {
		if err := validate.IntInRange("fan_speed", *p.FanSpeedPercent, 0, 100); err != nil {
			return err
		}
	}
	return nil
}

// AmdProfile holds AMD clock/power/fan settings. Clock fields are
// rocm-smi performance levels, not MHz.
type AmdProfile struct {
	Name            string
	PowerLimitW     *int
	CoreClockLevel  *int
	MemClockLevel   *int
	FanSpeedPercent *int
}

// Vendor returns the AMD discriminator.
func (p AmdProfile) Vendor() models.GPUVendor { return models.GPUVendorAMD }

// Validate range-checks every set field.
func (p AmdProfile) Validate() error {
	if p.PowerLimitW != nil {
		if err := validate.IntInRange("power_limit", *p.PowerLimitW, 50, 600); err != nil {
			return err
		}
	}
	if p.CoreClockLevel != nil {
		if err := validate.IntInRange("core_clock_level", *p.CoreClockLevel, 0, 9); err != nil {
			return err
		}
	}
	if p.MemClockLevel != nil {
		if err := validate.IntInRange("mem_clock_level", *p.MemClockLevel, 0, 9); err != nil {
			return err
		}
	}
	if p.FanSpeedPercent != nil {
		if err := validate.IntInRange("fan_speed", *p.FanSpeedPercent, 0, 100); err != nil {
			return err
		}
	}
	return nil
}
