package api

const customerSchema = `{
  "type": "object",
  "required": ["accounts"],
  "properties": {
    "id": {"type": "string"},
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "balance"],
        "properties": {
          "type": {"type": "string", "enum": ["savings", "current", "fixed-deposit", "fx", "loan"]},
          "currency": {"type": "string"},
          "balance": {"type": ["number", "string"]},
          "status": {"type": "string", "enum": ["active", "dormant", "frozen"]}
        }
      }
    }
  }
}`

const quoteSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["service_id"],
  "properties": {
    "service_id": {"type": "string", "minLength": 1, "maxLength": 100},
    "segment": {"type": "string", "minLength": 1, "maxLength": 100},
    "customer": ` + customerSchema + `,
    "amount": {"type": ["number", "string", "null"]}
  }
}`

const inferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["customer"],
  "properties": {
    "customer": ` + customerSchema + `
  }
}`

const feeRowSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["service_fee"],
  "properties": {
    "service_fee": {"type": ["number", "string"]},
    "percentage_fee": {"type": ["number", "string"]},
    "min_charge": {"type": ["number", "string"]},
    "max_charge": {"type": ["number", "string"]}
  }
}`

const pricingUpsertSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["fees"],
  "properties": {
    "fees": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": ` + feeRowSchema + `
    }
  }
}`

const changeRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "change_type"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 255},
    "description": {"type": "string", "maxLength": 4000},
    "change_type": {"type": "string", "enum": ["workflow", "api"]},
    "service_id": {"type": "string", "minLength": 1, "maxLength": 100},
    "config_snapshot": {"type": "object"}
  }
}`
