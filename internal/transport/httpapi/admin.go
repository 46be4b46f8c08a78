package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

func (s *Server) listAllOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseOrderQuery(r.URL.Query(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.orders.ListAllOrders(r.Context(), actorOf(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.stats.Statistics(r.Context(), actorOf(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) revenueAnalytics(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	points, err := s.stats.RevenueAnalytics(r.Context(), actorOf(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groupBy": q.GroupBy,
		"points":  points,
	})
}

func (s *Server) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var in orders.BulkUpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.orders.BulkUpdate(r.Context(), actorOf(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.orders.Timeline(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// orderMutation — общий каркас PATCH-обработчиков, возвращающих обновлённый заказ.
func orderMutation[T any](s *Server, apply func(r *http.Request, id string, in T) (domain.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		if err := decodeJSON(w, r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		order, err := apply(r, chi.URLParam(r, "id"), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	orderMutation(s, func(r *http.Request, id string, in orders.StatusUpdateInput) (domain.Order, error) {
		return s.orders.UpdateStatus(r.Context(), actorOf(r), id, in)
	})(w, r)
}

func (s *Server) updateReturnStatus(w http.ResponseWriter, r *http.Request) {
	orderMutation(s, func(r *http.Request, id string, in orders.ReturnStatusInput) (domain.Order, error) {
		return s.orders.UpdateReturnStatus(r.Context(), actorOf(r), id, in)
	})(w, r)
}

func (s *Server) updatePayment(w http.ResponseWriter, r *http.Request) {
	orderMutation(s, func(r *http.Request, id string, in orders.PaymentUpdateInput) (domain.Order, error) {
		return s.orders.UpdatePayment(r.Context(), actorOf(r), id, in)
	})(w, r)
}

func (s *Server) updateShipping(w http.ResponseWriter, r *http.Request) {
	orderMutation(s, func(r *http.Request, id string, in orders.ShippingInput) (domain.Order, error) {
		return s.orders.UpdateShipping(r.Context(), actorOf(r), id, in)
	})(w, r)
}

func (s *Server) addAdminNotes(w http.ResponseWriter, r *http.Request) {
	orderMutation(s, func(r *http.Request, id string, in orders.NotesInput) (domain.Order, error) {
		return s.orders.AddAdminNotes(r.Context(), actorOf(r), id, in)
	})(w, r)
}

func (s *Server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.DeleteOrder(r.Context(), actorOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
