package coapclient

import "github.com/plgd-dev/go-coap/v2/message"

// Common content-type identifiers.
const (
	ContentTypeJSON   = message.AppJSON
	ContentTypeCBOR   = message.AppCBOR
	ContentTypeOctets = message.AppOctets
	ContentTypeText   = message.TextPlain
)
