package command

// commonSchema holds the field formats shared by every payload schema.
const commonSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9][A-Za-z0-9._:-]*$"},
    "text": {"type": "string", "minLength": 1, "maxLength": 2000},
    "cents": {"type": "string", "pattern": "^[0-9]{1,30}$"},
    "positiveCents": {"type": "string", "pattern": "^0*[1-9][0-9]{0,29}$"},
    "date": {"type": "string", "format": "date"},
    "instant": {"type": "string", "format": "date-time"},
    "period": {"type": "string", "pattern": "^[0-9]{4}-(0[1-9]|1[0-2])$"},
    "bucket": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]{0,31}$"},
    "watermark": {"type": "integer", "minimum": 1},
    "descriptor": {
      "type": "object",
      "maxProperties": 32,
      "additionalProperties": {"type": "string", "maxLength": 512}
    },
    "evidence": {
      "type": "array",
      "maxItems": 50,
      "items": {
        "type": "object",
        "required": ["content_hash", "storage_key"],
        "additionalProperties": false,
        "properties": {
          "content_hash": {"type": "string", "pattern": "^(sha256:)?[0-9a-f]{64}$"},
          "storage_key": {"type": "string", "minLength": 1, "maxLength": 1024}
        }
      }
    }
  }
}`

const voucherProperties = `
    "voucher_id": {"$ref": "common.schema.json#/$defs/id"},
    "grant_id": {"$ref": "common.schema.json#/$defs/id"},
    "bucket": {"$ref": "common.schema.json#/$defs/bucket"},
    "clinic_id": {"$ref": "common.schema.json#/$defs/id"},
    "max_reimbursement_cents": {"$ref": "common.schema.json#/$defs/positiveCents"},
    "flags": {"type": "array", "maxItems": 16, "uniqueItems": true, "items": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]*$"}},
    "recipient": {"$ref": "common.schema.json#/$defs/descriptor"},
    "procedure": {"$ref": "common.schema.json#/$defs/descriptor"},
    "expires_at": {"$ref": "common.schema.json#/$defs/instant"}`

const windowProperties = `
    "grant_cycle": {"$ref": "common.schema.json#/$defs/id"},
    "period": {"$ref": "common.schema.json#/$defs/period"},
    "watermark": {"$ref": "common.schema.json#/$defs/watermark"}`

func object(required, properties string) string {
	return `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": [` + required + `],
  "properties": {` + properties + `
  }
}`
}

var cycleOnly = object(`"grant_cycle"`, `
    "grant_cycle": {"$ref": "common.schema.json#/$defs/id"}`)

var cycleWithReason = object(`"grant_cycle", "reason"`, `
    "grant_cycle": {"$ref": "common.schema.json#/$defs/id"},
    "reason": {"$ref": "common.schema.json#/$defs/text"}`)

var batchWithReason = object(`"batch_id", "reason"`, `
    "batch_id": {"$ref": "common.schema.json#/$defs/id"},
    "reason": {"$ref": "common.schema.json#/$defs/text"}`)

var batchWithReference = object(`"batch_id"`, `
    "batch_id": {"$ref": "common.schema.json#/$defs/id"},
    "reference": {"type": "string", "maxLength": 256}`)

// payloadSchemas validates each command's payload.
var payloadSchemas = map[string]string{
	TypeCreateGrant: object(`"grant_id", "grant_cycle"`, `
    "grant_id": {"$ref": "common.schema.json#/$defs/id"},
    "grant_cycle": {"$ref": "common.schema.json#/$defs/id"},
    "name": {"type": "string", "maxLength": 256}`),

	TypeAwardBudget: object(`"grant_id", "bucket", "amount_cents"`, `
    "grant_id": {"$ref": "common.schema.json#/$defs/id"},
    "bucket": {"$ref": "common.schema.json#/$defs/bucket"},
    "amount_cents": {"$ref": "common.schema.json#/$defs/positiveCents"}`),

	TypeIssueVoucherOnline: object(`"grant_id", "bucket", "max_reimbursement_cents", "expires_at"`, voucherProperties),

	TypeIssueTentativeVoucher: object(`"grant_id", "bucket", "max_reimbursement_cents", "expires_at", "confirm_by"`, voucherProperties+`,
    "confirm_by": {"$ref": "common.schema.json#/$defs/instant"}`),

	TypeConfirmTentativeVoucher: object(`"voucher_id"`, `
    "voucher_id": {"$ref": "common.schema.json#/$defs/id"}`),

	TypeVoidVoucher: object(`"voucher_id", "reason"`, `
    "voucher_id": {"$ref": "common.schema.json#/$defs/id"},
    "reason": {"$ref": "common.schema.json#/$defs/text"}`),

	TypeExpireVoucher: object(`"voucher_id"`, `
    "voucher_id": {"$ref": "common.schema.json#/$defs/id"}`),

	TypeSubmitClaim: object(`"voucher_id", "clinic_id", "submitted_cents", "service_date"`, `
    "claim_id": {"$ref": "common.schema.json#/$defs/id"},
    "voucher_id": {"$ref": "common.schema.json#/$defs/id"},
    "clinic_id": {"$ref": "common.schema.json#/$defs/id"},
    "submitted_cents": {"$ref": "common.schema.json#/$defs/positiveCents"},
    "service_date": {"$ref": "common.schema.json#/$defs/date"},
    "evidence": {"$ref": "common.schema.json#/$defs/evidence"}`),

	TypeAdjudicateClaim: object(`"claim_id", "decision", "policy_snapshot_ref"`, `
    "claim_id": {"$ref": "common.schema.json#/$defs/id"},
    "decision": {"enum": ["APPROVE", "DENY"]},
    "approved_cents": {"$ref": "common.schema.json#/$defs/cents"},
    "policy_snapshot_ref": {"$ref": "common.schema.json#/$defs/id"},
    "reason": {"type": "string", "maxLength": 2000},
    "void_voucher": {"type": "boolean"}`),

	TypeAdjustClaim: object(`"claim_id", "approved_cents", "policy_snapshot_ref", "reason"`, `
    "claim_id": {"$ref": "common.schema.json#/$defs/id"},
    "approved_cents": {"$ref": "common.schema.json#/$defs/positiveCents"},
    "policy_snapshot_ref": {"$ref": "common.schema.json#/$defs/id"},
    "reason": {"$ref": "common.schema.json#/$defs/text"}`),

	TypeGenerateMonthlyInvoices: object(`"grant_cycle", "period", "watermark"`, windowProperties),

	TypeSubmitInvoice: object(`"invoice_id"`, `
    "invoice_id": {"$ref": "common.schema.json#/$defs/id"}`),

	TypeRecordInvoicePayment: object(`"invoice_id", "amount_cents"`, `
    "invoice_id": {"$ref": "common.schema.json#/$defs/id"},
    "amount_cents": {"$ref": "common.schema.json#/$defs/positiveCents"},
    "reference": {"type": "string", "maxLength": 256}`),

	TypeExplainInvoice: object(`"invoice_id", "note"`, `
    "invoice_id": {"$ref": "common.schema.json#/$defs/id"},
    "note": {"$ref": "common.schema.json#/$defs/text"}`),

	TypeGenerateExportBatch: object(`"grant_cycle", "period", "watermark"`, windowProperties+`,
    "format": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]{0,31}$"}`),

	TypeRenderExportBatch: object(`"batch_id", "artifact_total_cents", "artifact_hash"`, `
    "batch_id": {"$ref": "common.schema.json#/$defs/id"},
    "artifact_total_cents": {"$ref": "common.schema.json#/$defs/cents"},
    "artifact_hash": {"type": "string", "pattern": "^(sha256:)?[0-9a-f]{64}$"},
    "artifact_ref": {"type": "string", "maxLength": 1024}`),

	TypeSubmitExportBatch:      batchWithReference,
	TypeAcknowledgeExportBatch: batchWithReference,
	TypeRejectExportBatch:      batchWithReason,
	TypeVoidExportBatch:        batchWithReason,

	TypeRunCloseoutPreflight: cycleOnly,
	TypeStartCloseout:        cycleOnly,
	TypeReconcileCloseout:    cycleOnly,
	TypeCloseGrantCycle:      cycleOnly,
	TypePlaceAuditHold:       cycleWithReason,
	TypeClearAuditHold:       cycleWithReason,
}
