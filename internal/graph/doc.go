// graph schedules named units of work connected by 'depends_on' edges.
//
// Nodes run on a bounded pool once all of their dependencies succeeded. A
// failure skips the failed node's dependents and nothing else.
package graph
