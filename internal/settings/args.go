package settings

import (
	"flag"
)

func registerStringFlag(fs *flag.FlagSet, name string, defaultValue string, description string) func() *string {
	stringVar := fs.String(name, defaultValue, description)
	accessor := func() *string {
		found := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return stringVar
	}
	return accessor
}

func registerIntFlag(fs *flag.FlagSet, name string, defaultValue int, description string) func() *int {
	intVar := fs.Int(name, defaultValue, description)
	accessor := func() *int {
		found := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return intVar
	}
	return accessor
}

func registerBoolFlag(fs *flag.FlagSet, name string, defaultValue bool, description string) func() *bool {
	boolVar := fs.Bool(name, defaultValue, description)
	accessor := func() *bool {
		found := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return boolVar
	}
	return accessor
}

func loadSettingsFromCmdArgs(args []string) (*Settings, error) {
	fs := flag.NewFlagSet("content-archiver", flag.ContinueOnError)
	bearerTokenAccessor := registerStringFlag(fs, "bearerToken", "", "the bearer token for the archive api (empty disables authentication)")
	publicUrlAccessor := registerStringFlag(fs, "publicUrl", defaultPublicUrl, "the public base url archived content is served under")
	bindAddressAccessor := registerStringFlag(fs, "bindAddress", defaultBindAddress, "the address the archive socket is bound to")
	portAccessor := registerIntFlag(fs, "port", defaultPort, "the port for the archive api")
	monitoringPortAccessor := registerIntFlag(fs, "monitoringPort", defaultMonitoringPort, "the monitoring port of content-archiver")
	monitoringPortEnabledAccessor := registerBoolFlag(fs, "monitoringPortEnabled", defaultMonitoringPortEnabled, "serve /metrics and /health on the monitoring port")
	storagePathAccessor := registerStringFlag(fs, "storagePath", defaultStoragePath, "the storagePath for metadata and blobs")
	storageJsonPathAccessor := registerStringFlag(fs, "storageJsonPath", defaultStorageJsonPath, "the path to the storage topology json")
	authorizerPathAccessor := registerStringFlag(fs, "authorizerPath", defaultAuthorizerPath, "the path to the lua request authorizer")
	fetchTimeoutSecondsAccessor := registerIntFlag(fs, "fetchTimeoutSeconds", defaultFetchTimeoutSeconds, "the timeout in seconds for fetching archive sources")
	compactBeforeAccessor := registerStringFlag(fs, "compactBefore", "", "drop entries archived before this RFC3339 timestamp during gc")

	err := fs.Parse(args)
	if err != nil {
		return nil, err
	}

	return &Settings{
		bearerToken:           bearerTokenAccessor(),
		publicUrl:             publicUrlAccessor(),
		bindAddress:           bindAddressAccessor(),
		port:                  portAccessor(),
		monitoringPort:        monitoringPortAccessor(),
		monitoringPortEnabled: monitoringPortEnabledAccessor(),
		storagePath:           storagePathAccessor(),
		storageJsonPath:       storageJsonPathAccessor(),
		authorizerPath:        authorizerPathAccessor(),
		fetchTimeoutSeconds:   fetchTimeoutSecondsAccessor(),
		compactBefore:         compactBeforeAccessor(),
	}, nil
}
