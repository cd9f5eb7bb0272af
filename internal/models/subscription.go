package models

import (
	"fmt"
	"time"
)

type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

func (i Interval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Advance moves t forward by count intervals. Month and year steps clamp to
// the last day of the target month instead of overflowing into the next one.
func (i Interval) Advance(t time.Time, count int) (time.Time, error) {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, count), nil
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count), nil
	case IntervalMonth:
		return addMonthsClamped(t, count), nil
	case IntervalYear:
		return addMonthsClamped(t, 12*count), nil
	}
	return time.Time{}, fmt.Errorf("unknown interval %q", i)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

type Plan struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Interval      Interval  `json:"interval"`
	IntervalCount int       `json:"interval_count"`
	TrialDays     int       `json:"trial_days"`
	CreatedAt     time.Time `json:"created_at"`
}

type SubscriptionStatus string

const (
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Billable reports whether the sweep may charge a subscription in this status.
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue:
		return true
	}
	return false
}

type Subscription struct {
	ID                     string             `json:"id"`
	OwnerID                string             `json:"owner_id"`
	PlanID                 string             `json:"plan_id"`
	CustomerEmail          string             `json:"customer_email"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	BillingCyclesCompleted int                `json:"billing_cycles_completed"`
	ConsecutiveFailures    int                `json:"consecutive_failures"`
	Metadata               map[string]string  `json:"metadata,omitempty"`
	CancelledAt            *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func (s *Subscription) DueAt(now time.Time) bool {
	return s.Status.Billable() && !s.CurrentPeriodEnd.After(now)
}

func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		out.TrialEnd = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}

// SubscriptionTransition is published on the subscription state topic.
type SubscriptionTransition struct {
	SubscriptionID string             `json:"subscription_id"`
	OwnerID        string             `json:"owner_id"`
	State          SubscriptionStatus `json:"state"`
	PreviousState  SubscriptionStatus `json:"previous_state"`
	Timestamp      time.Time          `json:"timestamp"`
}

type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePaymentFailed InvoiceStatus = "payment_failed"
	InvoiceVoid          InvoiceStatus = "void"
)

type Invoice struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	SubscriptionID string        `json:"subscription_id"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	AmountMinor    int64         `json:"amount_minor"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	AttemptCount   int           `json:"attempt_count"`
	LastSessionID  string        `json:"last_session_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
}
