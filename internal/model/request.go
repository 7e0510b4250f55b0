package model

import "time"

type ServiceRequest struct {
	ID           string        `db:"id" json:"id"`
	RequesterID  string        `db:"requester_id" json:"requesterId"`
	ServiceType  string        `db:"service_type" json:"serviceType"`
	PlanCode     string        `db:"plan_code" json:"planCode"`
	Status       RequestStatus `db:"status" json:"status"`
	ClaimedBy    *string       `db:"claimed_by" json:"claimedBy"`
	ClaimedAt    *time.Time    `db:"claimed_at" json:"claimedAt"`
	CancelReason *string       `db:"cancel_reason" json:"cancelReason,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
}

// InBadState reports a pending request that still names a claimant.
func (r *ServiceRequest) InBadState() bool {
	return r.Status == RequestStatusPending && r.ClaimedBy != nil
}

func (r *ServiceRequest) IsClaimedBy(providerID string) bool {
	return r.Status == RequestStatusAccepted && r.ClaimedBy != nil && *r.ClaimedBy == providerID
}

type CreateRequestParams struct {
	RequesterID string
	ServiceType string
	PlanCode    string
}

type RequestFilter struct {
	ServiceType string
	Limit       int
	Offset      int
}
