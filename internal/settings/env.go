package settings

import (
	"os"
	"strconv"
	"strings"
)

const envKeyPrefix string = "CONTENT_ARCHIVER"

const bearerTokenEnvKey string = envKeyPrefix + "_BEARER_TOKEN"
const publicUrlEnvKey string = envKeyPrefix + "_PUBLIC_URL"
const bindAddressEnvKey string = envKeyPrefix + "_BIND_ADDRESS"
const portEnvKey string = envKeyPrefix + "_PORT"
const monitoringPortEnvKey string = envKeyPrefix + "_MONITORING_PORT"
const monitoringPortEnabledEnvKey string = envKeyPrefix + "_MONITORING_PORT_ENABLED"
const storagePathEnvKey string = envKeyPrefix + "_STORAGE_PATH"
const storageJsonPathEnvKey string = envKeyPrefix + "_STORAGE_JSON_PATH"
const authorizerPathEnvKey string = envKeyPrefix + "_AUTHORIZER_PATH"
const fetchTimeoutSecondsEnvKey string = envKeyPrefix + "_FETCH_TIMEOUT_SECONDS"
const compactBeforeEnvKey string = envKeyPrefix + "_COMPACT_BEFORE"

func getStringFromEnv(envKey string) *string {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	return &val
}

func getIntFromEnv(envKey string) *int {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	int64Val, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		return nil
	}
	intVal := int(int64Val)
	return &intVal
}

func getBoolFromEnv(envKey string) *bool {
	val := os.Getenv(envKey)
	val = strings.ToLower(val)
	if val == "" {
		return nil
	}
	retval := val == "1" || val == "t" || val == "true"
	return &retval
}

func loadSettingsFromEnv() (*Settings, error) {
	bearerToken := getStringFromEnv(bearerTokenEnvKey)
	publicUrl := getStringFromEnv(publicUrlEnvKey)
	bindAddress := getStringFromEnv(bindAddressEnvKey)
	port := getIntFromEnv(portEnvKey)
	monitoringPort := getIntFromEnv(monitoringPortEnvKey)
	monitoringPortEnabled := getBoolFromEnv(monitoringPortEnabledEnvKey)
	storagePath := getStringFromEnv(storagePathEnvKey)
	storageJsonPath := getStringFromEnv(storageJsonPathEnvKey)
	authorizerPath := getStringFromEnv(authorizerPathEnvKey)
	fetchTimeoutSeconds := getIntFromEnv(fetchTimeoutSecondsEnvKey)
	compactBefore := getStringFromEnv(compactBeforeEnvKey)
	return &Settings{
		bearerToken:           bearerToken,
		publicUrl:             publicUrl,
		bindAddress:           bindAddress,
		port:                  port,
		monitoringPort:        monitoringPort,
		monitoringPortEnabled: monitoringPortEnabled,
		storagePath:           storagePath,
		storageJsonPath:       storageJsonPath,
		authorizerPath:        authorizerPath,
		fetchTimeoutSeconds:   fetchTimeoutSeconds,
		compactBefore:         compactBefore,
	}, nil
}
