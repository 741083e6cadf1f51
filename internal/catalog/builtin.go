package catalog

// Built-in operational tool catalogue.
//
// Tiers are not declared here: Default() resolves each tool's tier from
// safety.DefaultTiers so the classifier table stays the single source of truth.

const (
	nodeSchema = `{"type":"object","properties":{"node":{"type":"string","description":"Cluster node name"}},"required":["node"]}`

	vmSchema = `{"type":"object","properties":{
		"node":{"type":"string","description":"Node hosting the VM"},
		"vmid":{"type":["integer","string"],"description":"Numeric VM id"}},
		"required":["vmid"]}`

	containerSchema = `{"type":"object","properties":{
		"node":{"type":"string"},
		"ctid":{"type":["integer","string"],"description":"Container id"}},
		"required":["ctid"]}`

	serviceSchema = `{"type":"object","properties":{
		"host":{"type":"string","description":"Host running the service"},
		"service":{"type":"string","description":"systemd unit or service name"}},
		"required":["service"]}`

	snapshotSchema = `{"type":"object","properties":{
		"vmid":{"type":["integer","string"]},
		"snapshot":{"type":"string","description":"Snapshot name"}},
		"required":["vmid","snapshot"]}`

	emptySchema = `{"type":"object","properties":{}}`
)

type builtinTool struct {
	name        string
	description string
	schema      string
}

var builtinTools = []builtinTool{
	// Observation
	{"get_cluster_status", "Summarize cluster health: quorum, nodes online, resource usage.", emptySchema},
	{"list_nodes", "List cluster nodes with status and load.", emptySchema},
	{"get_node_status", "Show CPU, memory, disk and uptime for one node.", nodeSchema},
	{"list_vms", "List virtual machines, optionally filtered by node.", `{"type":"object","properties":{"node":{"type":"string"}}}`},
	{"get_vm_status", "Show the runtime status of a VM.", vmSchema},
	{"list_containers", "List containers, optionally filtered by node.", `{"type":"object","properties":{"node":{"type":"string"}}}`},
	{"list_services", "List services on a host.", `{"type":"object","properties":{"host":{"type":"string"}},"required":["host"]}`},
	{"get_service_status", "Show the status of a service.", serviceSchema},
	{"get_logs", "Read recent log lines for a host, unit or guest.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"unit":{"type":"string"},
		"lines":{"type":"integer","minimum":1,"maximum":5000}},
		"required":["host"]}`},
	{"get_metrics", "Fetch resource metrics for a node or guest over a time range.", `{"type":"object","properties":{
		"target":{"type":"string"},
		"range":{"type":"string","enum":["hour","day","week"]}},
		"required":["target"]}`},
	{"list_alerts", "List active monitoring alerts.", emptySchema},
	{"read_file", "Read a text file on a host.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"path":{"type":"string"}},
		"required":["host","path"]}`},
	{"list_directory", "List a directory on a host.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"path":{"type":"string"}},
		"required":["host","path"]}`},
	{"ping_host", "Check ICMP reachability of a host.", `{"type":"object","properties":{"host":{"type":"string"}},"required":["host"]}`},
	{"check_port", "Check whether a TCP port is open.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"port":{"type":"integer","minimum":1,"maximum":65535}},
		"required":["host","port"]}`},

	// Reversible operations
	{"start_vm", "Start a stopped VM.", vmSchema},
	{"start_container", "Start a stopped container.", containerSchema},
	{"restart_service", "Restart a service.", serviceSchema},
	{"create_snapshot", "Create a snapshot of a VM.", snapshotSchema},
	{"http_request", "Issue an HTTP request from the operator host.", `{"type":"object","properties":{
		"method":{"type":"string","enum":["GET","HEAD","POST","PUT","DELETE"]},
		"url":{"type":"string"},
		"body":{"type":"string"}},
		"required":["url"]}`},
	{"scan_network", "Scan a subnet for live hosts.", `{"type":"object","properties":{"cidr":{"type":"string"}},"required":["cidr"]}`},

	// Disruptive operations
	{"stop_vm", "Stop a running VM.", vmSchema},
	{"restart_vm", "Reboot a VM.", vmSchema},
	{"migrate_vm", "Migrate a VM to another node.", `{"type":"object","properties":{
		"vmid":{"type":["integer","string"]},
		"target_node":{"type":"string"},
		"online":{"type":"boolean"}},
		"required":["vmid","target_node"]}`},
	{"stop_container", "Stop a running container.", containerSchema},
	{"stop_service", "Stop a service.", serviceSchema},
	{"reboot_node", "Reboot a cluster node.", nodeSchema},
	{"rollback_snapshot", "Roll a VM back to a snapshot.", snapshotSchema},
	{"write_file", "Write a text file on a host.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"path":{"type":"string"},
		"content":{"type":"string"}},
		"required":["host","path","content"]}`},
	{"run_command", "Run a shell command on a host.", `{"type":"object","properties":{
		"host":{"type":"string"},
		"command":{"type":"string"}},
		"required":["host","command"]}`},

	// Irreversible operations
	{"delete_vm", "Delete a VM and its disks.", vmSchema},
	{"destroy_container", "Destroy a container and its volumes.", containerSchema},
	{"delete_snapshot", "Delete a VM snapshot.", snapshotSchema},
	{"shutdown_node", "Power off a cluster node.", nodeSchema},
	{"wipe_storage", "Wipe a storage volume.", `{"type":"object","properties":{
		"node":{"type":"string"},
		"storage":{"type":"string"}},
		"required":["node","storage"]}`},
}
