package service

import (
	"strings"

	"github.com/digkill/astronote-billing/internal/models"
)

var defaultPlans = []models.Plan{
	{
		ID:                "starter",
		Name:              "Starter",
		Price:             40,
		Currency:          "EUR",
		BillingPeriod:     "month",
		FreeCredits:       100,
		FreeCreditsPeriod: "month",
		Description:       "Perfect for small businesses getting started with SMS marketing",
		Features: []string{
			"100 free SMS credits per month",
			"All features included",
			"Unlimited contacts",
			"Email support",
		},
	},
	{
		ID:                "pro",
		Name:              "Pro",
		Price:             240,
		Currency:          "EUR",
		BillingPeriod:     "year",
		FreeCredits:       500,
		FreeCreditsPeriod: "year",
		Description:       "Best value for growing businesses with higher SMS volume needs",
		Popular:           true,
		Features: []string{
			"500 free SMS credits per year",
			"All features included",
			"Unlimited contacts",
			"Priority email support",
		},
	},
}

// PlanService serves the subscription plan catalog shown on pricing and billing pages.
type PlanService struct {
	plans []models.Plan
}

func NewPlanService() *PlanService {
	return &PlanService{plans: defaultPlans}
}

func (s *PlanService) List() []models.Plan {
	out := make([]models.Plan, len(s.plans))
	copy(out, s.plans)
	return out
}

func (s *PlanService) Get(id string) (models.Plan, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range s.plans {
		if p.ID == id {
			return p, true
		}
	}
	return models.Plan{}, false
}
