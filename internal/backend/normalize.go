package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digkill/astronote-billing/internal/models"
)

const defaultPageSize = 20

type rawTransaction struct {
	ID           json.RawMessage `json:"id"`
	Amount       *float64        `json:"amount"`
	Price        *float64        `json:"price"`
	Currency     string          `json:"currency"`
	Credits      int             `json:"credits"`
	CreditsAdded int             `json:"creditsAdded"`
	PackageName  string          `json:"packageName"`
	PackageType  string          `json:"packageType"`
	Package      *struct {
		Name    string `json:"name"`
		Credits int    `json:"credits"`
	} `json:"package"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

func (r rawTransaction) transaction() models.Transaction {
	t := models.Transaction{
		ID:        rawID(r.ID),
		Currency:  r.Currency,
		Status:    r.Status,
		CreatedAt: parseTime(r.CreatedAt),
	}
	switch {
	case r.Amount != nil:
		t.Amount = *r.Amount
	case r.Price != nil:
		t.Amount = *r.Price
	}
	switch {
	case r.Credits != 0:
		t.Credits = r.Credits
	case r.CreditsAdded != 0:
		t.Credits = r.CreditsAdded
	case r.Package != nil:
		t.Credits = r.Package.Credits
	}
	switch {
	case r.PackageName != "":
		t.PackageName = r.PackageName
	case r.Package != nil && r.Package.Name != "":
		t.PackageName = r.Package.Name
	case r.PackageType != "":
		t.PackageName = r.PackageType
	default:
		t.PackageName = "N/A"
	}
	if t.Status == "" {
		t.Status = "completed"
	}
	return t
}

type rawPagination struct {
	Page        int   `json:"page"`
	CurrentPage int   `json:"currentPage"`
	PageSize    int   `json:"pageSize"`
	Limit       int   `json:"limit"`
	PerPage     int   `json:"perPage"`
	Total       int   `json:"total"`
	TotalCount  int   `json:"totalCount"`
	TotalPages  int   `json:"totalPages"`
	Pages       int   `json:"pages"`
	HasNextPage *bool `json:"hasNextPage"`
	HasPrevPage *bool `json:"hasPrevPage"`
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func (p rawPagination) normalize() models.Pagination {
	pageSize := firstNonZero(p.PageSize, p.Limit, p.PerPage, defaultPageSize)
	total := firstNonZero(p.Total, p.TotalCount)
	totalPages := firstNonZero(p.TotalPages, p.Pages, (total+pageSize-1)/pageSize)
	page := firstNonZero(p.Page, p.CurrentPage, 1)

	out := models.Pagination{
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
	if out.TotalPages <= 0 {
		out.TotalPages = 1
	}
	if p.HasNextPage != nil {
		out.HasNextPage = *p.HasNextPage
	}
	if p.HasPrevPage != nil {
		out.HasPrevPage = *p.HasPrevPage
	}
	return out
}

// normalizeHistory accepts `{transactions|items, pagination}` objects and bare arrays.
func normalizeHistory(raw json.RawMessage) (models.HistoryPage, error) {
	var (
		items []rawTransaction
		pager rawPagination
	)
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &items); err != nil {
			return models.HistoryPage{}, fmt.Errorf("decode history: %w", err)
		}
	} else {
		var obj struct {
			Transactions []rawTransaction `json:"transactions"`
			Items        []rawTransaction `json:"items"`
			Pagination   *rawPagination   `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return models.HistoryPage{}, fmt.Errorf("decode history: %w", err)
		}
		items = obj.Transactions
		if items == nil {
			items = obj.Items
		}
		if obj.Pagination != nil {
			pager = *obj.Pagination
		}
	}

	page := models.HistoryPage{
		Items:      make([]models.Transaction, 0, len(items)),
		Pagination: pager.normalize(),
	}
	for _, item := range items {
		page.Items = append(page.Items, item.transaction())
	}
	return page, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// rawID renders string and numeric identifiers alike.
func rawID(raw json.RawMessage) string {
	if !hasValue(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
