package admin

import (
	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/service"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/httputil"
)

// AcceptedResponse acknowledges a queued event with its integrity fields.
type AcceptedResponse struct {
	ID               string `json:"id,omitempty"`
	CorrelationID    string `json:"correlationId"`
	Hash             string `json:"hash"`
	HashAlgorithm    string `json:"hashAlgorithm"`
	Signature        string `json:"signature,omitempty"`
	SigningAlgorithm string `json:"signingAlgorithm,omitempty"`
	SigningKeyID     string `json:"signingKeyId,omitempty"`
	Status           string `json:"status"`
}

func FromSealed(e *audit.Event) AcceptedResponse {
	return AcceptedResponse{
		ID:               e.ID,
		CorrelationID:    e.CorrelationID,
		Hash:             e.Hash,
		HashAlgorithm:    e.HashAlgorithm,
		Signature:        e.Signature,
		SigningAlgorithm: e.SigningAlgorithm,
		SigningKeyID:     e.SigningKeyID,
		Status:           "queued",
	}
}

type BatchItemResponse struct {
	Index    int                     `json:"index"`
	Accepted *AcceptedResponse       `json:"accepted,omitempty"`
	Error    *httputil.ErrorResponse `json:"error,omitempty"`
}

type BatchResponse struct {
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	Items    []BatchItemResponse `json:"items"`
}

func FromBatch(results []service.BatchResult) BatchResponse {
	resp := BatchResponse{Items: make([]BatchItemResponse, len(results))}
	for i, res := range results {
		item := BatchItemResponse{Index: res.Index}
		if res.Err != nil {
			_, body := httputil.ErrorBody(res.Err)
			item.Error = &body
			resp.Rejected++
		} else {
			accepted := FromSealed(res.Event)
			item.Accepted = &accepted
			resp.Accepted++
		}
		resp.Items[i] = item
	}
	return resp
}

type DeadLettersResponse struct {
	Entries []*deadletter.Entry `json:"entries"`
	Total   int                 `json:"total"`
}

type AlertsResponse struct {
	Alerts []*models.Alert `json:"alerts"`
	Total  int             `json:"total"`
}
