package tools

const catalogSearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "Free text matched against member names, titles and descriptions"},
    "types": {
      "type": "array",
      "items": {"enum": ["measure", "dimension", "timeDimension", "segment"]},
      "description": "Restrict results to these member types"
    },
    "cubes": {"type": "array", "items": {"type": "string"}, "description": "Restrict results to these cubes"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100, "description": "Maximum results, default 10"}
  },
  "required": ["query"],
  "additionalProperties": false
}`

const catalogDescribeSchema = `{
  "type": "object",
  "properties": {
    "member": {"type": "string", "minLength": 1, "description": "Fully qualified member name, e.g. Orders.count"}
  },
  "required": ["member"],
  "additionalProperties": false
}`

// limit is enforced by query validation, not here, so a missing limit is
// reported together with every other violation.
const querySemanticSchema = `{
  "type": "object",
  "properties": {
    "measures": {"type": "array", "items": {"type": "string"}},
    "dimensions": {"type": "array", "items": {"type": "string"}},
    "timeDimensions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "dimension": {"type": "string"},
          "granularity": {"type": "string"},
          "dateRange": {"type": ["string", "array"]}
        },
        "required": ["dimension"]
      }
    },
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "member": {"type": "string"},
          "operator": {"type": "string"},
          "values": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["member", "operator"]
      }
    },
    "segments": {"type": "array", "items": {"type": "string"}},
    "order": {
      "oneOf": [
        {"type": "object", "additionalProperties": {"enum": ["asc", "desc"]}},
        {"type": "array", "items": {"type": "array", "prefixItems": [{"type": "string"}, {"enum": ["asc", "desc"]}], "minItems": 2, "maxItems": 2}}
      ]
    },
    "limit": {"type": "integer", "description": "Required. Maximum rows to return"},
    "offset": {"type": "integer", "minimum": 0},
    "timezone": {"type": "string"}
  },
  "additionalProperties": false
}`
