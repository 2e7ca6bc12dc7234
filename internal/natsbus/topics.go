package natsbus

// TopicConductor is the request subject for a named conductor.
func TopicConductor(name string) string {
	if name == "" {
		name = "default"
	}
	return "ensemble.conductor." + name
}
