package bus

// Closed set of subjects this build will publish or subscribe to (spec
// §4.1). Any other subject is a configuration error at startup.
const (
	SubjectGenRequest = "reality.gen.request"
	SubjectGenResult  = "reality.gen.result"
	frameSubjectBase  = "reality.frame."
)

// FrameSubject returns the per-tenant frame fan-out subject.
func FrameSubject(tenantID string) string {
	return frameSubjectBase + tenantID
}

// IsKnownSubject reports whether subject belongs to the closed set,
// treating reality.frame.<tenantID> as a family rather than one literal
// subject.
func IsKnownSubject(subject string) bool {
	switch subject {
	case SubjectGenRequest, SubjectGenResult:
		return true
	}
	return len(subject) > len(frameSubjectBase) && subject[:len(frameSubjectBase)] == frameSubjectBase
}
