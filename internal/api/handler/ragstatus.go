package handler

import (
	"context"
	"net/http"

	"github.com/aaronpan007/zhaoyaojing/internal/api/response"
	"github.com/aaronpan007/zhaoyaojing/internal/rag"
)

// RAGStatusClient probes the retrieval service.
type RAGStatusClient interface {
	Status(ctx context.Context) (*rag.ServiceStatus, error)
}

// NewRAGStatusHandler returns the handler for GET /api/rag_status. Always
// 200: when the retrieval service is down the analysis degrades rather than
// fails, and this endpoint mirrors that.
func NewRAGStatusHandler(client RAGStatusClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := client.Status(r.Context())
		if err != nil {
			response.OK(w, ragStatusResponse{
				Success:    false,
				RAGService: rag.ServiceStatus{Status: "unavailable"},
				Error:      "知识库服务暂时不可用",
			})
			return
		}

		response.OK(w, ragStatusResponse{
			Success:    true,
			RAGService: *status,
		})
	}
}

type ragStatusResponse struct {
	Success    bool              `json:"success"`
	RAGService rag.ServiceStatus `json:"rag_service"`
	Error      string            `json:"error,omitempty"`
}
