package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescal/internal/ics"
	"rescal/internal/normalize"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Listen, again.Listen)
	assert.Equal(t, cfg.Facilitron.OwnerIDs, again.Facilitron.OwnerIDs)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
listen: ":9090"
policy: venue-from-owner
summary_with_field: true
fetch:
  max_concurrent: 4
static_reservations:
  - id: DEMO1
    owner: Rex Putnam High School
    renter_last_name: Smith
    created: 2021-06-07T15:57:56Z
    last_date: 2028-04-20T01:00:00Z
    feed_url: https://www.facilitron.com/icalendar/reservation/DEMO1
    url: https://www.facilitron.com/reservation/DEMO1
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, string(normalize.PolicyVenueFromOwner), cfg.Policy)
	assert.True(t, cfg.SummaryWithField)
	assert.Equal(t, 4, cfg.Fetch.MaxConcurrent)
	assert.Equal(t, 10, cfg.Fetch.TimeoutSeconds)
	assert.True(t, cfg.Timezone.RetimeEvents)
	assert.Equal(t, 90, cfg.LookbackDays)

	rs := cfg.Reservations()
	require.Len(t, rs, 1)
	assert.Equal(t, "DEMO1", rs[0].ID)
	assert.Equal(t, "Rex Putnam High School", rs[0].OwnerName)
	assert.True(t, rs[0].LastDate.Equal(time.Date(2028, 4, 20, 1, 0, 0, 0, time.UTC)))
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestNormalize_FixesBadValues(t *testing.T) {
	cfg := &Config{Policy: "venue-from-moon", LookbackDays: -1, Fetch: FetchConfig{RequestsPerSecond: -2}}
	cfg.Normalize()

	assert.Equal(t, string(normalize.PolicyVenueInParens), cfg.Policy)
	assert.Equal(t, 90, cfg.LookbackDays)
	assert.Zero(t, cfg.Fetch.RequestsPerSecond)
	assert.Equal(t, ics.DefaultZoneID, cfg.Timezone.ID)
	assert.Equal(t, []string{defaultOwnerID}, cfg.Facilitron.OwnerIDs)
	assert.Equal(t, defaultProductID, cfg.Calendar.ProductID)
	assert.Equal(t, defaultCalendarName, cfg.Calendar.Name)
}

func TestLoad_BlankCalendarHeaderGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
calendar:
  name: ""
  description: ""
  product_id: ""
  method: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Calendar, cfg.Calendar)

	meta := cfg.Metadata(ics.DefaultZoneID)
	assert.NotEmpty(t, meta.Name)
	assert.NotEmpty(t, meta.ProductID)
	assert.Equal(t, "PUBLISH", meta.Method)
}

func TestApplyEnv_WinsOverYAML(t *testing.T) {
	t.Setenv(EnvFacilitronEmail, "env@example.com")
	t.Setenv(EnvFacilitronPassword, "from-env")

	cfg := DefaultConfig()
	cfg.Facilitron.Email = "yaml@example.com"
	cfg.Facilitron.Password = "from-yaml"
	cfg.ApplyEnv()

	assert.Equal(t, "env@example.com", cfg.Facilitron.Email)
	assert.Equal(t, "from-env", cfg.Facilitron.Password)
}

func TestApplyEnv_KeepsYAMLWhenUnset(t *testing.T) {
	t.Setenv(EnvFacilitronEmail, "")
	t.Setenv(EnvFacilitronPassword, "")

	cfg := DefaultConfig()
	cfg.Facilitron.Email = "yaml@example.com"
	cfg.ApplyEnv()
	assert.Equal(t, "yaml@example.com", cfg.Facilitron.Email)
}

func TestZone(t *testing.T) {
	cfg := DefaultConfig()
	z, err := cfg.Zone()
	require.NoError(t, err)
	assert.Equal(t, ics.DefaultZoneID, z.ID)

	cfg.Timezone.ID = "Europe/Berlin"
	_, err = cfg.Zone()
	assert.Error(t, err)

	cfg.Timezone.Definition = `BEGIN:VTIMEZONE
TZID:Etc/Fixed
BEGIN:STANDARD
DTSTART:19700101T000000
TZOFFSETFROM:+0100
TZOFFSETTO:+0100
TZNAME:FIX
END:STANDARD
END:VTIMEZONE`
	z, err = cfg.Zone()
	require.NoError(t, err)
	assert.Equal(t, "Etc/Fixed", z.ID)
}

func TestDerivedOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.RequestsPerSecond = 5
	cfg.Fetch.TimeoutSeconds = 3

	fo := cfg.FetcherOptions()
	assert.Equal(t, 3*time.Second, fo.Timeout)
	assert.Equal(t, 5.0, fo.RequestsPerSecond)

	zone := ics.DefaultZone()
	no, err := cfg.NormalizeOptions(zone)
	require.NoError(t, err)
	assert.Equal(t, normalize.PolicyVenueInParens, no.Policy)
	assert.True(t, no.Retime)
	assert.Same(t, zone, no.Zone)

	meta := cfg.Metadata(zone.ID)
	assert.Equal(t, "PUBLISH", meta.Method)
	assert.Equal(t, ics.DefaultZoneID, meta.TimezoneID)

	assert.Equal(t, 90*24*time.Hour, cfg.Lookback())
}
