package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

func TestParseGPUCSVLine_AllFields(t *testing.T) {
	sample, err := ParseGPUCSVLine("65,70,80,220.5,1800,9500,99")
	require.NoError(t, err)

	require.NotNil(t, sample.Temperature)
	assert.Equal(t, 65.0, *sample.Temperature)
	require.NotNil(t, sample.MemTemp)
	assert.Equal(t, 70.0, *sample.MemTemp)
	require.NotNil(t, sample.FanSpeed)
	assert.Equal(t, 80.0, *sample.FanSpeed)
	require.NotNil(t, sample.PowerDraw)
	assert.Equal(t, 220.5, *sample.PowerDraw)
	require.NotNil(t, sample.CoreClock)
	assert.Equal(t, 1800.0, *sample.CoreClock)
	require.NotNil(t, sample.MemoryClock)
	assert.Equal(t, 9500.0, *sample.MemoryClock)
	require.NotNil(t, sample.Utilization)
	assert.Equal(t, 99.0, *sample.Utilization)
}

func TestParseGPUCSVLine_NotAvailable(t *testing.T) {
	sample, err := ParseGPUCSVLine("N/A,N/A,0,0,0,0,0")
	require.NoError(t, err)

	assert.Nil(t, sample.Temperature)
	assert.Nil(t, sample.MemTemp)
	require.NotNil(t, sample.FanSpeed)
	assert.Equal(t, 0.0, *sample.FanSpeed)
}

func TestParseGPUCSVLine_BracketedNA(t *testing.T) {
	sample, err := ParseGPUCSVLine("[N/A], , 50, 120.0, 1500, 7000, 90")
	require.NoError(t, err)
	assert.Nil(t, sample.Temperature)
	assert.Nil(t, sample.MemTemp)
	require.NotNil(t, sample.Utilization)
	assert.Equal(t, 90.0, *sample.Utilization)
}

func TestParseGPUCSVLine_WrongFieldCount(t *testing.T) {
	_, err := ParseGPUCSVLine("65,70,80")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseGPUCSV_MultipleDevices(t *testing.T) {
	out := "65,70,80,220.5,1800,9500,99\n\n59,N/A,60,180.2,1700,8800,97\n"
	samples, err := ParseGPUCSV(out)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 65.0, *samples[0].Temperature)
	assert.Nil(t, samples[1].MemTemp)
}

func TestParseGPUNames(t *testing.T) {
	names, err := ParseGPUNames("0, NVIDIA GeForce RTX 3080\n1, AMD Radeon RX 6800\n")
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", names[0])
	assert.Equal(t, "AMD Radeon RX 6800", names[1])
}

func TestInferVendor(t *testing.T) {
	assert.Equal(t, models.GPUVendorNvidia, InferVendor("NVIDIA GeForce RTX 3080"))
	assert.Equal(t, models.GPUVendorAMD, InferVendor("amd radeon rx 6800"))
	assert.Equal(t, models.GPUVendorIntel, InferVendor("Arc A770"))
}

func TestParseProcStat(t *testing.T) {
	out := "cpu  100 20 30 400 50 6 7 8 0 0\ncpu0 10 2 3 40 5 0 0 0 0 0"
	stat, err := ParseProcStat(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(100+20+30+400+50+6+7+8), stat.Total)
	assert.Equal(t, uint64(400+50), stat.Idle)
}

func TestParseProcStat_NoCPULine(t *testing.T) {
	_, err := ParseProcStat("intr 12345\nctxt 6789")
	assert.ErrorIs(t, err, ErrParse)
}

func TestCPUUsagePercent(t *testing.T) {
	prev := CPUStat{Total: 1_000_000, Idle: 500_000}
	cur := CPUStat{Total: 4_000_000, Idle: 2_000_000}
	// total delta 3000000, idle delta 1500000, usage 50.0
	usage := CPUUsagePercent(prev, cur)
	require.NotNil(t, usage)
	assert.InDelta(t, 50.0, *usage, 0.1)
}

func TestCPUUsagePercent_NoDelta(t *testing.T) {
	stat := CPUStat{Total: 1000, Idle: 500}
	assert.Nil(t, CPUUsagePercent(stat, stat))
	// Counter reset: current below previous.
	assert.Nil(t, CPUUsagePercent(CPUStat{Total: 2000, Idle: 900}, stat))
}

func TestParseCPUInfoMHz(t *testing.T) {
	out := "model name\t: Ryzen 9 5950X\ncpu MHz\t\t: 3400.123\ncpu MHz\t\t: 2200.000"
	mhz, err := ParseCPUInfoMHz(out)
	require.NoError(t, err)
	assert.Equal(t, 3400.123, *mhz)

	_, err = ParseCPUInfoMHz("no frequency here")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseMillidegrees(t *testing.T) {
	deg, err := ParseMillidegrees("67500\n")
	require.NoError(t, err)
	assert.Equal(t, 68.0, *deg)

	deg, err = ParseMillidegrees("67499")
	require.NoError(t, err)
	assert.Equal(t, 67.0, *deg)

	_, err = ParseMillidegrees("hot")
	assert.ErrorIs(t, err, ErrParse)
}

func TestPowerFromEnergy(t *testing.T) {
	// 30 J over 2 s = 15 W.
	watts := PowerFromEnergy(1_000_000, 31_000_000, 2*time.Second)
	require.NotNil(t, watts)
	assert.InDelta(t, 15.0, *watts, 0.001)
}

func TestPowerFromEnergy_Undefined(t *testing.T) {
	assert.Nil(t, PowerFromEnergy(100, 200, 0), "zero interval")
	assert.Nil(t, PowerFromEnergy(100, 200, -time.Second), "negative interval")
	assert.Nil(t, PowerFromEnergy(200, 100, time.Second), "counter wrap")
	assert.Nil(t, PowerFromEnergy(100, 100, time.Second), "no consumption")
}

func TestParseEnergyCounter(t *testing.T) {
	uj, err := ParseEnergyCounter(" 123456789 \n")
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), uj)

	_, err = ParseEnergyCounter("N/A")
	assert.ErrorIs(t, err, ErrParse)
}
