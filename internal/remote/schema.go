package remote

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	stepRecordSchemaURL = "https://ultraride.dev/schemas/step-record.json"
	eventSchemaURL      = "https://ultraride.dev/schemas/event.json"
	profileSchemaURL    = "https://ultraride.dev/schemas/profile.json"
)

const stepRecordSchema = `{
  "type": "object",
  "required": ["eventId", "stepId", "phase", "completed"],
  "properties": {
    "eventId": {"type": "string", "minLength": 1},
    "stepId": {"type": "integer", "minimum": 0},
    "phase": {"enum": ["before", "start", "end"]},
    "completed": {"type": "boolean"},
    "stepData": {"type": ["object", "null"]},
    "completedAt": {"type": ["string", "null"]}
  }
}`

const eventSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "slug": {"type": "string"},
    "date": {"type": "string"},
    "distanceKm": {"type": "number", "minimum": 0},
    "tags": {"type": "array", "items": {"type": "string"}},
    "highlights": {"type": "array", "items": {"type": "string"}}
  }
}`

const profileSchema = `{
  "type": "object",
  "required": ["email"],
  "properties": {
    "email": {"type": "string", "minLength": 3},
    "displayName": {"type": "string"},
    "city": {"type": "string"},
    "totalPoints": {"type": "integer"},
    "subscriptionStatus": {"type": "string"},
    "updatedAt": {"type": "string"}
  }
}`

type schemaSet struct {
	stepRecord *jsonschema.Schema
	event      *jsonschema.Schema
	profile    *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		sources := map[string]string{
			stepRecordSchemaURL: stepRecordSchema,
			eventSchemaURL:      eventSchema,
			profileSchemaURL:    profileSchema,
		}
		for url, source := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", url, err)
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", url, err)
				return
			}
		}
		var err error
		if schemas.stepRecord, err = compiler.Compile(stepRecordSchemaURL); err != nil {
			schemasErr = err
			return
		}
		if schemas.event, err = compiler.Compile(eventSchemaURL); err != nil {
			schemasErr = err
			return
		}
		if schemas.profile, err = compiler.Compile(profileSchemaURL); err != nil {
			schemasErr = err
			return
		}
	})
	return schemas, schemasErr
}
