package domain

import "time"

// Course is a HelpMe course the user is enrolled in.
type Course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserCourses is the cached enrollment list for a Slack identity.
type UserCourses struct {
	TeamID    string
	UserID    string
	Courses   []Course
	FetchedAt time.Time
}

// Find returns the cached course with the given ID.
func (c *UserCourses) Find(id int64) (Course, bool) {
	if c == nil {
		return Course{}, false
	}
	for _, course := range c.Courses {
		if course.ID == id {
			return course, true
		}
	}
	return Course{}, false
}

// Names returns course names in cache order.
func (c *UserCourses) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Courses))
	for _, course := range c.Courses {
		names = append(names, course.Name)
	}
	return names
}
