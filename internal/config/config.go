package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jdillenkofer/content-archiver/internal/dependencyinjection"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
)

type DynamicJsonType struct {
	Type string `json:"type"`
}

type DynamicJsonInstantiator[T any] interface {
	RegisterReferences(diCollection dependencyinjection.DICollection) error
	Instantiate(diProvider dependencyinjection.DIProvider) (T, error)
}

type DbContainer struct {
	dbs []database.Database
}

func NewDbContainer() *DbContainer {
	return &DbContainer{}
}

func (dbContainer *DbContainer) AddDb(db database.Database) {
	dbContainer.dbs = append(dbContainer.dbs, db)
}

func (dbContainer *DbContainer) Dbs() []database.Database {
	return dbContainer.dbs
}

const envKeyProviderType = "EnvKey"

type envKeyReference struct {
	DynamicJsonType
	EnvKey string `json:"envKey"`
}

func resolveFromEnv(b []byte) (*string, error) {
	var envKeyRef envKeyReference
	err := json.Unmarshal(b, &envKeyRef)
	if err != nil {
		return nil, err
	}
	if envKeyRef.Type != envKeyProviderType {
		return nil, fmt.Errorf("unknown value provider type %s", envKeyRef.Type)
	}
	val := os.Getenv(envKeyRef.EnvKey)
	return &val, nil
}

// StringProvider resolves a string value either from a raw json string
// or from an environment variable via an EnvKey reference object.
type StringProvider struct {
	value string
}

func (p *StringProvider) UnmarshalJSON(b []byte) error {
	var rawString string
	if err := json.Unmarshal(b, &rawString); err == nil {
		p.value = rawString
		return nil
	}
	val, err := resolveFromEnv(b)
	if err != nil {
		return err
	}
	p.value = *val
	return nil
}

func (p StringProvider) Value() string {
	return p.value
}

type Int64Provider struct {
	value int64
}

func (p *Int64Provider) UnmarshalJSON(b []byte) error {
	var rawInt int64
	if err := json.Unmarshal(b, &rawInt); err == nil {
		p.value = rawInt
		return nil
	}
	val, err := resolveFromEnv(b)
	if err != nil {
		return err
	}
	intVal, err := strconv.ParseInt(*val, 10, 64)
	if err != nil {
		return err
	}
	p.value = intVal
	return nil
}

func (p Int64Provider) Value() int64 {
	return p.value
}

type BoolProvider struct {
	value bool
}

func (p *BoolProvider) UnmarshalJSON(b []byte) error {
	var rawBool bool
	if err := json.Unmarshal(b, &rawBool); err == nil {
		p.value = rawBool
		return nil
	}
	val, err := resolveFromEnv(b)
	if err != nil {
		return err
	}
	boolVal, err := strconv.ParseBool(*val)
	if err != nil {
		return err
	}
	p.value = boolVal
	return nil
}

func (p BoolProvider) Value() bool {
	return p.value
}

// CreateTempDir is a test helper returning the directory and a cleanup func.
func CreateTempDir() (*string, func(), error) {
	tempDir, err := os.MkdirTemp("", "content-archiver-test-data-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		os.RemoveAll(tempDir)
	}
	return &tempDir, cleanup, nil
}
