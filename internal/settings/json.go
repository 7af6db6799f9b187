package settings

import (
	"encoding/json"
	"os"
)

type jsonSettings struct {
	BearerToken           *string `json:"bearerToken"`
	PublicUrl             *string `json:"publicUrl"`
	BindAddress           *string `json:"bindAddress"`
	Port                  *int    `json:"port"`
	MonitoringPort        *int    `json:"monitoringPort"`
	MonitoringPortEnabled *bool   `json:"monitoringPortEnabled"`
	StoragePath           *string `json:"storagePath"`
	StorageJsonPath       *string `json:"storageJsonPath"`
	AuthorizerPath        *string `json:"authorizerPath"`
	FetchTimeoutSeconds   *int    `json:"fetchTimeoutSeconds"`
	CompactBefore         *string `json:"compactBefore"`
}

func loadSettingsFromJson(jsonFile string) (*Settings, error) {
	jsonData, err := os.ReadFile(jsonFile)
	if err != nil {
		return nil, err
	}
	parsed := jsonSettings{}
	err = json.Unmarshal(jsonData, &parsed)
	if err != nil {
		return nil, err
	}
	return &Settings{
		bearerToken:           parsed.BearerToken,
		publicUrl:             parsed.PublicUrl,
		bindAddress:           parsed.BindAddress,
		port:                  parsed.Port,
		monitoringPort:        parsed.MonitoringPort,
		monitoringPortEnabled: parsed.MonitoringPortEnabled,
		storagePath:           parsed.StoragePath,
		storageJsonPath:       parsed.StorageJsonPath,
		authorizerPath:        parsed.AuthorizerPath,
		fetchTimeoutSeconds:   parsed.FetchTimeoutSeconds,
		compactBefore:         parsed.CompactBefore,
	}, nil
}
