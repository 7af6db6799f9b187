package settings

import (
	"testing"

	testutils "github.com/jdillenkofer/content-archiver/internal/testing"
	"github.com/stretchr/testify/assert"
)

func addrOf[T any](t T) *T { return &t }

func TestMergeSettingsTwoNils(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		publicUrl: nil,
	}
	b := Settings{
		publicUrl: nil,
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Nil(t, a.publicUrl)
	assert.Nil(t, b.publicUrl)
	assert.Nil(t, mergedSettings.publicUrl)
}

func TestMergeSettingsNilAndValue(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		publicUrl: nil,
	}
	b := Settings{
		publicUrl: addrOf("https://archive.example.org"),
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Nil(t, a.publicUrl)
	assert.Equal(t, "https://archive.example.org", *b.publicUrl)
	assert.Equal(t, b.publicUrl, mergedSettings.publicUrl)
}

func TestMergeSettingsTwoValues(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		publicUrl: addrOf("https://first.example.org"),
	}
	b := Settings{
		publicUrl: addrOf("https://second.example.org"),
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Equal(t, "https://first.example.org", *a.publicUrl)
	assert.Equal(t, "https://second.example.org", *b.publicUrl)
	assert.Equal(t, b.publicUrl, mergedSettings.publicUrl)
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	testutils.SkipIfIntegration(t)

	s := Settings{}
	assert.Equal(t, "", s.BearerToken())
	assert.Equal(t, defaultPublicUrl, s.PublicUrl())
	assert.Equal(t, defaultPort, s.Port())
	assert.Equal(t, defaultMonitoringPort, s.MonitoringPort())
	assert.False(t, s.MonitoringPortEnabled())
	assert.Equal(t, defaultStoragePath, s.StoragePath())
	assert.Equal(t, defaultFetchTimeoutSeconds, s.FetchTimeoutSeconds())
}
