package graph

import (
	"github.com/jbeverly/rangexx/internal/kv"
)

// ExpressionCompiler turns a range expression string into a RangeStruct.
// The compiler/parser itself is an external collaborator; this package
// only defines the seam expand_range_expression calls through.
type ExpressionCompiler interface {
	Compile(expr string) (RangeStruct, error)
}

// WriteAPISymtable maps method-name strings to the write operations that
// route through Paxos, matching the C++ write_api_symtable dispatch table.
var WriteAPISymtable = map[string]func(*Range, []string) (bool, error){
	"create_env": func(rg *Range, args []string) (bool, error) {
		return CreateEnv(rg, args[0])
	},
	"add_cluster_to_env": func(rg *Range, args []string) (bool, error) {
		return AddClusterToEnv(rg, args[0], args[1])
	},
	"add_host_to_cluster": func(rg *Range, args []string) (bool, error) {
		return AddHostToCluster(rg, args[0], args[1], args[2])
	},
	"remove_host_from_cluster": func(rg *Range, args []string) (bool, error) {
		return RemoveHostFromCluster(rg, args[0], args[1], args[2])
	},
}

// allNodesOfType scans the instance's present nodes and returns names
// whose decoded type matches t.
func allNodesOfType(g *Instance, t NodeType) ([]string, error) {
	it, err := g.Begin()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var names []string
	for it.Valid() {
		if it.Node().Type() == t {
			names = append(names, it.Node().Name())
		}
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// AllEnvironments iterates the primary graph and emits every ENVIRONMENT
// node's name.
func AllEnvironments(rg *Range) ([]string, error) {
	return allNodesOfType(rg.Primary, NodeEnvironment)
}

// AllHosts iterates the primary graph and emits every HOST node's name.
func AllHosts(rg *Range) ([]string, error) {
	return allNodesOfType(rg.Primary, NodeHost)
}

// AllClusters performs a BFS from env over forward edges, emitting CLUSTER
// names with the "env#" prefix stripped.
func AllClusters(rg *Range, env string) ([]string, error) {
	root, err := rg.Primary.GetNode(env)
	if err != nil || root == nil {
		return nil, err
	}
	seen := map[string]bool{root.Name(): true}
	queue := []*Node{root}
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range n.ForwardEdges() {
			if seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			child, err := rg.Primary.GetNode(e.Target)
			if err != nil {
				return nil, err
			}
			if child == nil {
				continue
			}
			if child.Type() == NodeCluster {
				out = append(out, unqualify(child.Name()))
			}
			queue = append(queue, child)
		}
	}
	return out, nil
}

// SimpleExpand returns the one-level forward-edge children of cluster
// within env.
func SimpleExpand(rg *Range, env, cluster string) ([]string, error) {
	n, err := rg.Primary.GetNode(qualify(env, cluster))
	if err != nil || n == nil {
		return nil, err
	}
	var out []string
	for _, e := range n.ForwardEdges() {
		out = append(out, unqualify(e.Target))
	}
	return out, nil
}

// Expand performs a recursive descent from name, returning an Object with
// fields name, type, tags, children, dependencies.
func Expand(rg *Range, env, name string) (RangeStruct, error) {
	return expand(rg, qualify(env, name), make(map[string]bool))
}

// ExpandCluster is the cluster-scoped alias of Expand.
func ExpandCluster(rg *Range, env, cluster string) (RangeStruct, error) {
	return Expand(rg, env, cluster)
}

// ExpandEnv expands starting from the environment node itself.
func ExpandEnv(rg *Range, env string) (RangeStruct, error) {
	return expand(rg, env, make(map[string]bool))
}

func expand(rg *Range, storedName string, visiting map[string]bool) (RangeStruct, error) {
	n, err := rg.Primary.GetNode(storedName)
	if err != nil {
		return RangeStruct{}, err
	}
	if n == nil {
		return RangeStruct{}, NewNodeNotFoundError("no such node: " + storedName)
	}
	if visiting[storedName] {
		// cycle: stop the descent here rather than recursing forever.
		return ObjectStruct(map[string]RangeStruct{
			"name": StringStruct(unqualify(n.Name())),
			"type": StringStruct(n.Type().String()),
		}), nil
	}
	visiting[storedName] = true
	defer delete(visiting, storedName)

	tags := map[string]RangeStruct{}
	for k, vs := range n.Tags() {
		values := make([]RangeStruct, 0, len(vs))
		for _, v := range vs {
			values = append(values, StringStruct(v))
		}
		tags[k] = ArrayStruct(values)
	}

	var children []RangeStruct
	for _, e := range n.ForwardEdges() {
		child, err := expand(rg, e.Target, visiting)
		if err != nil {
			return RangeStruct{}, err
		}
		children = append(children, child)
	}

	var dependencies []RangeStruct
	depNode, err := rg.Dependency.GetNode(storedName)
	if err != nil {
		return RangeStruct{}, err
	}
	if depNode != nil {
		for _, e := range depNode.ForwardEdges() {
			dependencies = append(dependencies, StringStruct(unqualify(e.Target)))
		}
	}

	return ObjectStruct(map[string]RangeStruct{
		"name":         StringStruct(unqualify(n.Name())),
		"type":         StringStruct(n.Type().String()),
		"tags":         ObjectStruct(tags),
		"children":     ArrayStruct(children),
		"dependencies": ArrayStruct(dependencies),
	}), nil
}

// ExpandRangeExpression delegates to an external range-expression compiler.
func ExpandRangeExpression(compiler ExpressionCompiler, env, expr string) (RangeStruct, error) {
	return compiler.Compile(expr)
}

// GetKeys returns the tag keys set on cluster within env.
func GetKeys(rg *Range, env, cluster string) ([]string, error) {
	n, err := rg.Primary.GetNode(qualify(env, cluster))
	if err != nil || n == nil {
		return nil, err
	}
	keys := make([]string, 0, len(n.Tags()))
	for k := range n.Tags() {
		keys = append(keys, k)
	}
	return keys, nil
}

// FetchKey returns the values recorded for key on cluster within env.
func FetchKey(rg *Range, env, cluster, key string) ([]string, error) {
	n, err := rg.Primary.GetNode(qualify(env, cluster))
	if err != nil || n == nil {
		return nil, err
	}
	return n.Tags()[key], nil
}

// FetchAllKeys returns the full key/value tag map on cluster within env.
func FetchAllKeys(rg *Range, env, cluster string) (map[string][]string, error) {
	n, err := rg.Primary.GetNode(qualify(env, cluster))
	if err != nil || n == nil {
		return nil, err
	}
	return n.Tags(), nil
}

// GetClusters returns the reverse-edge parents of node within env.
func GetClusters(rg *Range, env, node string) ([]string, error) {
	n, err := rg.Primary.GetNode(qualify(env, node))
	if err != nil || n == nil {
		return nil, err
	}
	var out []string
	for _, e := range n.ReverseEdges() {
		out = append(out, unqualify(e.Target))
	}
	return out, nil
}

// BFSSearchParentsForFirstKey walks reverse edges breadth-first from node,
// returning the first ancestor with key present and its values, or ("",
// nil) if no ancestor has it.
func BFSSearchParentsForFirstKey(rg *Range, env, node, key string) (string, []string, error) {
	start, err := rg.Primary.GetNode(qualify(env, node))
	if err != nil || start == nil {
		return "", nil, err
	}
	seen := map[string]bool{start.Name(): true}
	queue := []*Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if values, ok := n.Tags()[key]; ok {
			return unqualify(n.Name()), values, nil
		}
		for _, e := range n.ReverseEdges() {
			if seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			parent, err := rg.Primary.GetNode(e.Target)
			if err != nil {
				return "", nil, err
			}
			if parent != nil {
				queue = append(queue, parent)
			}
		}
	}
	return "", nil, nil
}

// DFSSearchParentsForFirstKey is the depth-first counterpart of
// BFSSearchParentsForFirstKey; both are first-class traversal orders, not
// one delegating to the other.
func DFSSearchParentsForFirstKey(rg *Range, env, node, key string) (string, []string, error) {
	start, err := rg.Primary.GetNode(qualify(env, node))
	if err != nil || start == nil {
		return "", nil, err
	}
	seen := map[string]bool{}
	var visit func(n *Node) (string, []string, error)
	visit = func(n *Node) (string, []string, error) {
		if seen[n.Name()] {
			return "", nil, nil
		}
		seen[n.Name()] = true
		if values, ok := n.Tags()[key]; ok {
			return unqualify(n.Name()), values, nil
		}
		for _, e := range n.ReverseEdges() {
			parent, err := rg.Primary.GetNode(e.Target)
			if err != nil {
				return "", nil, err
			}
			if parent == nil {
				continue
			}
			if found, values, err := visit(parent); err != nil {
				return "", nil, err
			} else if found != "" {
				return found, values, nil
			}
		}
		return "", nil, nil
	}
	return visit(start)
}

// NearestCommonAncestor runs reverse-edge BFS outward from a and b in
// lockstep, level by level, returning the first name visited by both
// frontiers. This finds a nearest common ancestor because each side
// explores closer ancestors before farther ones.
func NearestCommonAncestor(rg *Range, env, a, b string) (bool, string, error) {
	na, err := rg.Primary.GetNode(qualify(env, a))
	if err != nil || na == nil {
		return false, "", err
	}
	nb, err := rg.Primary.GetNode(qualify(env, b))
	if err != nil || nb == nil {
		return false, "", err
	}

	visitedA := map[string]bool{na.Name(): true}
	visitedB := map[string]bool{nb.Name(): true}
	frontierA := []string{na.Name()}
	frontierB := []string{nb.Name()}

	if na.Name() == nb.Name() {
		return true, unqualify(na.Name()), nil
	}

	for len(frontierA) > 0 || len(frontierB) > 0 {
		var err error
		frontierA, err = expandFrontier(rg, frontierA, visitedA)
		if err != nil {
			return false, "", err
		}
		if found := intersectNew(frontierA, visitedB); found != "" {
			return true, unqualify(found), nil
		}
		frontierB, err = expandFrontier(rg, frontierB, visitedB)
		if err != nil {
			return false, "", err
		}
		if found := intersectNew(frontierB, visitedA); found != "" {
			return true, unqualify(found), nil
		}
	}
	return false, "", nil
}

func expandFrontier(rg *Range, frontier []string, visited map[string]bool) ([]string, error) {
	var next []string
	for _, name := range frontier {
		n, err := rg.Primary.GetNode(name)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		for _, e := range n.ReverseEdges() {
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			next = append(next, e.Target)
		}
	}
	return next, nil
}

func intersectNew(names []string, other map[string]bool) string {
	for _, n := range names {
		if other[n] {
			return n
		}
	}
	return ""
}

// EnvironmentTopologicalSort orders env's transitive closure of nodes by
// Kahn's algorithm over the dependency graph.
func EnvironmentTopologicalSort(rg *Range, env string) ([]string, error) {
	closure, err := AllClusters(rg, env)
	if err != nil {
		return nil, err
	}
	all := append([]string{env}, closure...)
	storedNames := make([]string, 0, len(all))
	for _, n := range all {
		storedNames = append(storedNames, qualify(env, n))
	}

	sorted, err := topologicalSort(storedNames, func(stored string) ([]string, error) {
		depNode, err := rg.Dependency.GetNode(stored)
		if err != nil || depNode == nil {
			return nil, err
		}
		var out []string
		for _, e := range depNode.ForwardEdges() {
			out = append(out, e.Target)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, len(sorted))
	for i, s := range sorted {
		out[i] = unqualify(s)
	}
	return out, nil
}

// FindOrphanedNodes iterates the primary graph and emits (type, name) for
// every node with zero reverse edges whose type is not ENVIRONMENT.
func FindOrphanedNodes(rg *Range) ([]RangeStruct, error) {
	it, err := rg.Primary.Begin()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []RangeStruct
	for it.Valid() {
		n := it.Node()
		if n.Type() != NodeEnvironment && len(n.ReverseEdges()) == 0 {
			out = append(out, TupleStruct(StringStruct(n.Type().String()), StringStruct(unqualify(n.Name()))))
		}
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateEnv is the ★ write operation creating a new ENVIRONMENT node.
func CreateEnv(rg *Range, env string) (bool, error) {
	return createNode(rg, rg.Primary, env, NodeEnvironment, "create_env", []string{env})
}

// AddClusterToEnv is the ★ write operation linking a new CLUSTER node under
// env with a symmetric forward/reverse edge pair.
func AddClusterToEnv(rg *Range, env, cluster string) (bool, error) {
	return addChild(rg, env, qualify(env, cluster), NodeCluster, "add_cluster_to_env", []string{env, cluster})
}

// AddHostToCluster is the ★ write operation linking a new (or existing)
// HOST node under env#cluster.
func AddHostToCluster(rg *Range, env, cluster, host string) (bool, error) {
	return addChild(rg, qualify(env, cluster), host, NodeHost, "add_host_to_cluster", []string{env, cluster, host})
}

// RemoveHostFromCluster is the ★ write operation detaching host from
// env#cluster without removing the host node itself.
func RemoveHostFromCluster(rg *Range, env, cluster, host string) (bool, error) {
	scope, err := rg.Primary.backend.WriteLock(kv.RecordNode, []byte(qualify(env, cluster)))
	if err != nil {
		return false, err
	}
	clusterNode, err := rg.Primary.GetNode(qualify(env, cluster))
	if err != nil || clusterNode == nil {
		scope.Abort()
		return false, err
	}
	hostNode, err := rg.Primary.GetNode(host)
	if err != nil || hostNode == nil {
		scope.Abort()
		return false, err
	}
	if err := clusterNode.RemoveForwardEdge(hostNode, true); err != nil {
		scope.Abort()
		return false, err
	}
	if err := clusterNode.Commit(scope); err != nil {
		scope.Abort()
		return false, err
	}
	if err := hostNode.Commit(scope); err != nil {
		scope.Abort()
		return false, err
	}
	rg.Primary.recordChange(clusterNode)
	rg.Primary.recordChange(hostNode)

	txn, err := rg.Primary.StartTxn(TxnRequest{Action: "remove_host_from_cluster", Args: []string{env, cluster, host}})
	if err != nil {
		scope.Abort()
		return false, err
	}
	if err := txn.AppendToScope(scope); err != nil {
		scope.Abort()
		txn.Abort()
		return false, err
	}
	if err := scope.Commit(); err != nil {
		txn.Abort()
		return false, err
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func createNode(rg *Range, g *Instance, name string, t NodeType, action string, args []string) (bool, error) {
	scope, err := g.backend.WriteLock(kv.RecordNode, []byte(name))
	if err != nil {
		return false, err
	}
	if _, err := g.Create(scope, name, t); err != nil {
		scope.Abort()
		return false, err
	}

	txn, err := g.StartTxn(TxnRequest{Action: action, Args: args})
	if err != nil {
		scope.Abort()
		return false, err
	}
	if err := txn.AppendToScope(scope); err != nil {
		scope.Abort()
		txn.Abort()
		return false, err
	}
	if err := scope.Commit(); err != nil {
		txn.Abort()
		return false, err
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// addChild creates a new node named childStoredName of type t, then links
// it to parentStoredName with a symmetric forward/reverse edge.
func addChild(rg *Range, parentStoredName, childStoredName string, t NodeType, action string, args []string) (bool, error) {
	g := rg.Primary
	scope, err := g.backend.WriteLock(kv.RecordNode, []byte(childStoredName))
	if err != nil {
		return false, err
	}
	child, err := g.Create(scope, childStoredName, t)
	if err != nil {
		if _, ok := err.(CodedError); !ok {
			scope.Abort()
			return false, err
		}
		// already exists: link the existing node instead of failing.
		scope.Abort()
		scope, err = g.backend.WriteLock(kv.RecordNode, []byte(childStoredName))
		if err != nil {
			return false, err
		}
		child, err = g.GetNode(childStoredName)
		if err != nil || child == nil {
			scope.Abort()
			return false, err
		}
	}

	parent, err := g.GetNode(parentStoredName)
	if err != nil || parent == nil {
		scope.Abort()
		return false, err
	}
	if err := parent.AddForwardEdge(child, true); err != nil {
		scope.Abort()
		return false, err
	}
	if err := parent.Commit(scope); err != nil {
		scope.Abort()
		return false, err
	}
	if err := child.Commit(scope); err != nil {
		scope.Abort()
		return false, err
	}
	g.recordChange(parent)
	g.recordChange(child)

	txn, err := g.StartTxn(TxnRequest{Action: action, Args: args})
	if err != nil {
		scope.Abort()
		return false, err
	}
	if err := txn.AppendToScope(scope); err != nil {
		scope.Abort()
		txn.Abort()
		return false, err
	}
	if err := scope.Commit(); err != nil {
		txn.Abort()
		return false, err
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
