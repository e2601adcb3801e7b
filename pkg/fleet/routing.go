package fleet

// ShouldUseFleet decides whether a request for cluster must be proxied to a
// managed cluster. An empty cluster or the hub's own name is served locally.
func ShouldUseFleet(hubClusterName, cluster string) bool {
	return cluster != "" && cluster != hubClusterName
}
