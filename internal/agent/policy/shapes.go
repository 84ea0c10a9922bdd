package policy

import "github.com/shipflow-core/server/internal/agent/capability"

const objectOnly = `{"type":"object"}`

const jobIDShape = `{
  "type": "object",
  "required": ["job_id"],
  "properties": {"job_id": {"type": "string", "minLength": 1}}
}`

const filterProp = `"filter": {"type": "string"}`

// shapes are structural checks only: types and required keys, never values.
var shapes = map[string]string{
	capability.ToolGetSourceInfo:     objectOnly,
	capability.ToolGetSchema:         objectOnly,
	capability.ToolGetPlatformStatus: objectOnly,
	capability.ToolValidateFilter: `{
  "type": "object",
  "required": ["filter"],
  "properties": {` + filterProp + `}
}`,
	capability.ToolFetchRows: `{
  "type": "object",
  "required": ["filter"],
  "properties": {` + filterProp + `, "limit": {"type": "integer", "minimum": 0}}
}`,
	capability.ToolResolveContacts: `{
  "type": "object",
  "required": ["handles"],
  "properties": {"handles": {"type": "array", "minItems": 1, "items": {"type": "string"}}}
}`,
	capability.ToolTouchContact: `{
  "type": "object",
  "required": ["handle"],
  "properties": {"handle": {"type": "string", "minLength": 1}}
}`,
	capability.ToolCreateJob: `{
  "type": "object",
  "required": ["filter"],
  "properties": {
    "name": {"type": "string"},
    ` + filterProp + `,
    "service_code": {"type": "string"},
    "mapping": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`,
	capability.ToolShipCommand: `{
  "type": "object",
  "required": ["command", "filter"],
  "properties": {
    "command": {"type": "string"},
    "name": {"type": "string"},
    ` + filterProp + `,
    "service_code": {"type": "string"},
    "mapping": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`,
	capability.ToolCreateShipment: `{
  "type": "object",
  "required": ["request_body"],
  "properties": {"request_body": {"type": "object", "minProperties": 1}}
}`,
	capability.ToolBatchPreview: jobIDShape,
	capability.ToolGetJobStatus: jobIDShape,
	capability.ToolCancelJob:    jobIDShape,
	capability.ToolBatchExecute: `{
  "type": "object",
  "required": ["job_id", "approved"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "approved": {"type": "boolean"}
  }
}`,
	capability.ToolVoidShipment: `{
  "type": "object",
  "required": ["tracking_id"],
  "properties": {"tracking_id": {"type": "string", "minLength": 1}}
}`,
}
