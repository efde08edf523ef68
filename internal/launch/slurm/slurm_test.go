package slurm

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/launch/launchtest"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

func newJob(nodes ...string) *model.Job {
	j := model.NewJob(model.Descriptor{Nodes: nodes})
	for i, n := range j.Nodes {
		j.Daemons[n.Name] = &model.Daemon{Vpid: uint32(i + 1), Node: n.Name}
	}
	return j
}

func TestQueryDeclinesOutsideAllocation(t *testing.T) {
	env, _, _, _, _ := launchtest.Env()
	d, err := Descriptor(env)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.Priority != 75 {
		t.Errorf("default priority = %d, want 75", d.Priority)
	}
	if _, _, err := d.Query(d.Priority); !errors.Is(err, status.ErrDeclined) {
		t.Errorf("Query error = %v, want ErrDeclined", err)
	}
}

func TestQueryAcceptsInAllocation(t *testing.T) {
	env, _, _, _, _ := launchtest.Env()
	env.Environment["SLURM_JOBID"] = "4242"
	env.Environment["ANVIL_SLURM_PRIORITY"] = "90"
	env.Environment["ANVIL_SLURM_ARGS"] = "--mpi=none --exclusive"

	d, err := Descriptor(env)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	mod, prio, err := d.Query(d.Priority)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if prio != 90 {
		t.Errorf("priority = %d, want 90", prio)
	}
	b := mod.(*Backend)
	if !slices.Equal(b.cfg.Args, []string{"--mpi=none", "--exclusive"}) {
		t.Errorf("Args = %v", b.cfg.Args)
	}
}

func TestSpawnWholeAllocation(t *testing.T) {
	env, act, mech, _, _ := launchtest.Env()
	b := New(Config{Args: []string{"--exclusive"}}, env)

	job := newJob("n1", "n2")
	if err := b.Spawn(job); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got, err := act.Next(2 * time.Second); err != nil || got.State != model.JobDaemonsLaunched {
		t.Fatalf("activation = %+v, %v", got, err)
	}

	reqs := mech.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	argv := reqs[0].Argv
	wantHead := []string{"srun", "--ntasks-per-node=1", "--kill-on-bad-exit", "--exclusive",
		"--nodes=2", "--nodelist=n1,n2", "--ntasks=2"}
	if !slices.Equal(argv[:len(wantHead)], wantHead) {
		t.Errorf("argv head = %v, want %v", argv[:len(wantHead)], wantHead)
	}
	if !slices.Contains(argv, "--vpid=1") {
		t.Errorf("argv %v lacks the starting vpid", argv)
	}
	if !slices.Contains(reqs[0].Env, "SLURM_CPU_BIND=none") {
		t.Errorf("env = %v, want SLURM_CPU_BIND=none", reqs[0].Env)
	}
}

func TestSpawnSubsetSelectsNodes(t *testing.T) {
	env, act, mech, _, _ := launchtest.Env()
	b := New(Config{}, env)

	job := newJob("n1", "n2", "n3")
	job.Nodes[0].DaemonLaunched = true
	if err := b.Spawn(job); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := act.Next(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	argv := mech.Requests()[0].Argv
	for _, want := range []string{"--nodes=2", "--nodelist=n2,n3", "--ntasks=2", "--vpid=2"} {
		if !slices.Contains(argv, want) {
			t.Errorf("argv %v lacks %q", argv, want)
		}
	}
}

func TestSpawnPinsJobNodesInsideLargerAllocation(t *testing.T) {
	env, act, mech, _, _ := launchtest.Env()
	env.Environment["SLURM_JOBID"] = "4242"
	env.Environment["SLURM_JOB_NODELIST"] = "n1,n2,n3,n4"
	b := New(Config{}, env)

	job := newJob("n3", "n4")
	if err := b.Spawn(job); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := act.Next(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	argv := mech.Requests()[0].Argv
	for _, want := range []string{"--nodes=2", "--nodelist=n3,n4", "--ntasks=2"} {
		if !slices.Contains(argv, want) {
			t.Errorf("argv %v lacks %q", argv, want)
		}
	}
	for _, a := range argv {
		if strings.HasPrefix(a, "--nodelist=") && strings.Contains(a, "n1") {
			t.Errorf("daemons placed outside the job: %q", a)
		}
	}
}
