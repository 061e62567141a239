package task

import xerrors "ARC-Router/internal/errors"

const (
	CodeValidation           xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeAdapterUnregistered  xerrors.Code = "ADAPTER_UNREGISTERED"
	CodeAdapterCallFailed    xerrors.Code = "ADAPTER_CALL_FAILED"
	CodeCandidatesExhausted  xerrors.Code = "CANDIDATES_EXHAUSTED"
	CodeNoRouteCandidates    xerrors.Code = "NO_ROUTE_CANDIDATES"
	CodeInsufficientSources  xerrors.Code = "INSUFFICIENT_SOURCES"
	CodeConfidenceFloorUnmet xerrors.Code = "CONFIDENCE_FLOOR_UNMET"
	CodeEmptyResponseSet     xerrors.Code = "EMPTY_RESPONSE_SET"
)

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAdapterUnregistered, xerrors.Attributes{
		Message:  "adapter not registered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAdapterCallFailed, xerrors.Attributes{
		Message:   "adapter call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeCandidatesExhausted, xerrors.Attributes{
		Message:  "all routing candidates exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeNoRouteCandidates, xerrors.Attributes{
		Message:  "no registered adapter for route",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientSources, xerrors.Attributes{
		Message:  "not enough successful sources to merge",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeConfidenceFloorUnmet, xerrors.Attributes{
		Message:  "no response met the confidence floor",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEmptyResponseSet, xerrors.Attributes{
		Message:  "merge called with no responses",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
