package settings

import (
	"reflect"
	"unsafe"
)

const defaultBindAddress = "0.0.0.0"
const defaultPort = 9000
const defaultMonitoringPort = 9001
const defaultMonitoringPortEnabled = false
const defaultPublicUrl = "http://localhost:9000"
const defaultStoragePath = "./data"
const defaultStorageJsonPath = "storage.json"
const defaultAuthorizerPath = "authorizer.lua"
const defaultFetchTimeoutSeconds = 30

const mergableTagKey = "mergable"

type Settings struct {
	bearerToken           *string `mergable:""`
	publicUrl             *string `mergable:""`
	bindAddress           *string `mergable:""`
	port                  *int    `mergable:""`
	monitoringPort        *int    `mergable:""`
	monitoringPortEnabled *bool   `mergable:""`
	storagePath           *string `mergable:""`
	storageJsonPath       *string `mergable:""`
	authorizerPath        *string `mergable:""`
	fetchTimeoutSeconds   *int    `mergable:""`
	compactBefore         *string `mergable:""`
}

func valueOrDefault[V any](v *V, defaultValue V) V {
	if v == nil {
		return defaultValue
	}
	return *v
}

// BearerToken is the shared secret of the HTTP API. An empty token
// disables bearer authentication.
func (s *Settings) BearerToken() string {
	return valueOrDefault(s.bearerToken, "")
}

func (s *Settings) PublicUrl() string {
	return valueOrDefault(s.publicUrl, defaultPublicUrl)
}

func (s *Settings) BindAddress() string {
	return valueOrDefault(s.bindAddress, defaultBindAddress)
}

func (s *Settings) Port() int {
	return valueOrDefault(s.port, defaultPort)
}

func (s *Settings) MonitoringPort() int {
	return valueOrDefault(s.monitoringPort, defaultMonitoringPort)
}

func (s *Settings) MonitoringPortEnabled() bool {
	return valueOrDefault(s.monitoringPortEnabled, defaultMonitoringPortEnabled)
}

func (s *Settings) StoragePath() string {
	return valueOrDefault(s.storagePath, defaultStoragePath)
}

func (s *Settings) StorageJsonPath() string {
	return valueOrDefault(s.storageJsonPath, defaultStorageJsonPath)
}

func (s *Settings) AuthorizerPath() string {
	return valueOrDefault(s.authorizerPath, defaultAuthorizerPath)
}

func (s *Settings) FetchTimeoutSeconds() int {
	return valueOrDefault(s.fetchTimeoutSeconds, defaultFetchTimeoutSeconds)
}

// CompactBefore is an RFC3339 timestamp. When set, the gc subcommand
// drops entries archived before it prior to removing orphan blobs.
func (s *Settings) CompactBefore() string {
	return valueOrDefault(s.compactBefore, "")
}

func getUnexportedField(field reflect.Value) interface{} {
	return reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Interface()
}

func setUnexportedField(field reflect.Value, value interface{}) {
	reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Set(reflect.ValueOf(value))
}

func isNilish(val any) bool {
	if val == nil {
		return true
	}

	v := reflect.ValueOf(val)
	k := v.Kind()
	switch k {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer,
		reflect.UnsafePointer, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}

	return false
}

func (s *Settings) merge(other *Settings) {
	fields := reflect.VisibleFields(reflect.TypeOf(other).Elem())
	sStruct := reflect.ValueOf(s).Elem()
	otherStruct := reflect.ValueOf(other).Elem()

	for _, field := range fields {
		if _, ok := field.Tag.Lookup(mergableTagKey); !ok {
			continue
		}
		sField := sStruct.FieldByName(field.Name)
		otherField := otherStruct.FieldByName(field.Name)

		if field.Type.Kind() == reflect.Pointer {
			otherFieldValue := getUnexportedField(otherField)
			if !isNilish(otherFieldValue) {
				setUnexportedField(sField, otherFieldValue)
			}
		} else {
			otherFieldValue := getUnexportedField(otherField)
			setUnexportedField(sField, otherFieldValue)
		}
	}
}

func mergeSettings(settings ...*Settings) *Settings {
	var result *Settings = &Settings{}
	for _, setting := range settings {
		if setting == nil {
			continue
		}
		result.merge(setting)
	}
	return result
}

// LoadSettings merges config.json, command line arguments and
// environment variables, later sources winning.
func LoadSettings(args []string) (*Settings, error) {
	jsonSettings, _ := loadSettingsFromJson("config.json")
	cmdArgsSettings, err := loadSettingsFromCmdArgs(args)
	if err != nil {
		return nil, err
	}
	envSettings, _ := loadSettingsFromEnv()
	settings := mergeSettings(jsonSettings, cmdArgsSettings, envSettings)
	return settings, nil
}
