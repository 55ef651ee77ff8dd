package main

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidImage      = "invalid_image"
	CodeNotInitialized    = "not_initialized"
	CodeInferenceFailed   = "inference_failed"
	CodeDecodeConsistency = "decode_consistency"
	CodeUnavailable       = "unavailable"
	CodeCancelled         = "cancelled"
)

const (
	MsgInvalidImage = "The uploaded file could not be decoded as a JPEG or PNG image."

	MsgNotInitialized = "The detector is not ready yet. The model is still loading or failed to load; check the service logs."

	MsgInferenceFailed = "The inference device reported an error while processing this frame. The request can be retried."

	MsgDecodeConsistency = "The model returned inconsistent boxes and labels for this frame. Check that the deployed model matches the configured format."

	MsgUnavailable = "The detector is shutting down."

	MsgCancelled = "The request was cancelled before detection finished."
)
