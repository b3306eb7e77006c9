// Package core defines core types.
package core

// Labels represents key-value metadata attached to published packets.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelPool           = "pus.pool"
	LabelKind           = "pus.kind"
	LabelAPID           = "pus.apid"
	LabelSeqCount       = "pus.seq"
	LabelServiceType    = "pus.service"
	LabelServiceSubtype = "pus.subtype"
	LabelSchema         = "pus.schema"
	LabelDecodeError    = "pus.decode_error"
)
