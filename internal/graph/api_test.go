package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/kv"
)

func newTestRange(t *testing.T) *Range {
	t.Helper()
	backend := openTestBackendForGraph(t)
	return NewRange(backend)
}

func TestCreateEnvAddClusterAddHost(t *testing.T) {
	rg := newTestRange(t)

	ok, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = AddHostToCluster(rg, "env1", "cluster1", "host1")
	require.NoError(t, err)
	require.True(t, ok)

	clusters, err := AllClusters(rg, "env1")
	require.NoError(t, err)
	require.Equal(t, []string{"cluster1"}, clusters)

	hosts, err := AllHosts(rg)
	require.NoError(t, err)
	require.Equal(t, []string{"host1"}, hosts)

	children, err := SimpleExpand(rg, "env1", "cluster1")
	require.NoError(t, err)
	require.Equal(t, []string{"host1"}, children)
}

func TestRemoveHostFromClusterDetaches(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)
	_, err = AddHostToCluster(rg, "env1", "cluster1", "host1")
	require.NoError(t, err)

	ok, err := RemoveHostFromCluster(rg, "env1", "cluster1", "host1")
	require.NoError(t, err)
	require.True(t, ok)

	children, err := SimpleExpand(rg, "env1", "cluster1")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestAddHostToClusterSharesExistingHostNode(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster2")
	require.NoError(t, err)

	_, err = AddHostToCluster(rg, "env1", "cluster1", "host1")
	require.NoError(t, err)
	_, err = AddHostToCluster(rg, "env1", "cluster2", "host1")
	require.NoError(t, err)

	clustersOfHost, err := GetClusters(rg, "env1", "host1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cluster1", "cluster2"}, clustersOfHost)
}

func TestNearestCommonAncestorFindsSharedParent(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "parent")
	require.NoError(t, err)
	_, err = AddHostToCluster(rg, "env1", "parent", "child-a")
	require.NoError(t, err)
	_, err = AddHostToCluster(rg, "env1", "parent", "child-b")
	require.NoError(t, err)

	found, name, err := NearestCommonAncestor(rg, "env1", "child-a", "child-b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "parent", name)
}

func TestEnvironmentTopologicalSortIncludesAllNodes(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster2")
	require.NoError(t, err)

	sorted, err := EnvironmentTopologicalSort(rg, "env1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"env1", "cluster1", "cluster2"}, sorted)
}

func TestEnvironmentTopologicalSortOrdersDependentsBeforeDependencies(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster2")
	require.NoError(t, err)

	// record a forward dependency cluster1 -> cluster2 directly in the
	// dependency graph, since no write op currently exposes this.
	envNode := createTestNode(t, rg.Dependency, "env1", NodeEnvironment)
	cluster1Node := createTestNode(t, rg.Dependency, qualify("env1", "cluster1"), NodeCluster)
	cluster2Node := createTestNode(t, rg.Dependency, qualify("env1", "cluster2"), NodeCluster)

	scope, err := rg.Dependency.backend.WriteLock(kv.RecordNode, []byte(cluster1Node.Name()))
	require.NoError(t, err)
	require.NoError(t, cluster1Node.AddForwardEdge(cluster2Node, true))
	require.NoError(t, cluster1Node.Commit(scope))
	require.NoError(t, cluster2Node.Commit(scope))
	require.NoError(t, scope.Commit())
	txn, err := rg.Dependency.StartTxn(TxnRequest{Action: "link_test_dependency"})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	_ = envNode

	sorted, err := EnvironmentTopologicalSort(rg, "env1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"env1", "cluster1", "cluster2"}, sorted)

	indexOf := func(name string) int {
		for i, s := range sorted {
			if s == name {
				return i
			}
		}
		return -1
	}
	require.Less(t, indexOf("cluster1"), indexOf("cluster2"),
		"cluster1's forward dependency cluster2 must not appear earlier in the result")
}

func TestFindOrphanedNodesSkipsEnvironmentsAndLinkedNodes(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)

	scope, err := rg.Primary.backend.WriteLock(kv.RecordNode, []byte("orphan-env#orphan"))
	require.NoError(t, err)
	_, err = rg.Primary.Create(scope, "orphan-env#orphan", NodeCluster)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	txn, err := rg.Primary.StartTxn(TxnRequest{Action: "test_orphan"})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	orphans, err := FindOrphanedNodes(rg)
	require.NoError(t, err)

	var names []string
	for _, o := range orphans {
		names = append(names, o.Tuple[1].Str)
	}
	require.Contains(t, names, "orphan")
	require.NotContains(t, names, "cluster1")
	require.NotContains(t, names, "env1")
}

func TestGetKeysFetchKeyFetchAllKeys(t *testing.T) {
	rg := newTestRange(t)
	_, err := CreateEnv(rg, "env1")
	require.NoError(t, err)
	_, err = AddClusterToEnv(rg, "env1", "cluster1")
	require.NoError(t, err)

	n, err := rg.Primary.GetNode(qualify("env1", "cluster1"))
	require.NoError(t, err)
	require.NotNil(t, n)
	require.NoError(t, n.UpdateTag("owner", []string{"alice"}))

	scope, err := rg.Primary.backend.WriteLock(kv.RecordNode, []byte(qualify("env1", "cluster1")))
	require.NoError(t, err)
	require.NoError(t, n.Commit(scope))
	require.NoError(t, scope.Commit())

	keys, err := GetKeys(rg, "env1", "cluster1")
	require.NoError(t, err)
	require.Equal(t, []string{"owner"}, keys)

	values, err := FetchKey(rg, "env1", "cluster1", "owner")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, values)

	all, err := FetchAllKeys(rg, "env1", "cluster1")
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"owner": {"alice"}}, all)
}
