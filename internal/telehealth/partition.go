package telehealth

import "time"

// TaskBuckets groups a CHW's tasks the way the task board shows them.
type TaskBuckets struct {
	Pending   []Task
	Overdue   []Task
	Completed []Task
}

// PartitionTasks splits tasks into pending, overdue and completed, keeping
// their order. A pending task is overdue once its due date has passed.
func PartitionTasks(tasks []Task, now time.Time) TaskBuckets {
	b := TaskBuckets{Pending: []Task{}, Overdue: []Task{}, Completed: []Task{}}
	for _, t := range tasks {
		switch {
		case t.Status == TaskCompleted:
			b.Completed = append(b.Completed, t)
		case t.Overdue(now):
			b.Overdue = append(b.Overdue, t)
		case t.Status == TaskPending:
			b.Pending = append(b.Pending, t)
		}
	}
	return b
}

// ReferralBuckets groups a specialist's referrals.
type ReferralBuckets struct {
	Pending []Referral
	Active  []Referral
	Closed  []Referral
}

// PartitionReferrals splits referrals into pending, active (accepted) and
// closed (completed or rejected), keeping their order.
func PartitionReferrals(refs []Referral) ReferralBuckets {
	b := ReferralBuckets{Pending: []Referral{}, Active: []Referral{}, Closed: []Referral{}}
	for _, r := range refs {
		switch r.Status {
		case ReferralPending:
			b.Pending = append(b.Pending, r)
		case ReferralAccepted:
			b.Active = append(b.Active, r)
		case ReferralCompleted, ReferralRejected:
			b.Closed = append(b.Closed, r)
		}
	}
	return b
}
