package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE assets (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				tags TEXT,
				parent_id TEXT,
				active_variant_id TEXT,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_assets_parent_id ON assets(parent_id);

			CREATE TABLE variants (
				id TEXT PRIMARY KEY,
				asset_id TEXT NOT NULL,
				workflow_id TEXT,
				status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'uploading', 'completed', 'failed')),
				error TEXT,
				image_key TEXT,
				thumbnail_key TEXT,
				recipe TEXT,
				starred INTEGER NOT NULL DEFAULT 0,
				plan_step_id TEXT,
				batch_id TEXT,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_variants_asset_id ON variants(asset_id);
			CREATE INDEX idx_variants_status ON variants(status);
			CREATE INDEX idx_variants_batch_id ON variants(batch_id);

			CREATE TABLE lineage_edges (
				id TEXT PRIMARY KEY,
				parent_variant_id TEXT NOT NULL,
				child_variant_id TEXT NOT NULL,
				relation TEXT NOT NULL,
				severed INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_lineage_parent ON lineage_edges(parent_variant_id);
			CREATE INDEX idx_lineage_child ON lineage_edges(child_variant_id);

			CREATE TABLE image_refs (
				object_key TEXT PRIMARY KEY,
				ref_count INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE plans (
				id TEXT PRIMARY KEY,
				goal TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('planning', 'executing', 'paused', 'completed', 'failed', 'cancelled')),
				current_step INTEGER NOT NULL DEFAULT 0,
				auto_advance INTEGER NOT NULL DEFAULT 0,
				max_parallel INTEGER NOT NULL DEFAULT 1,
				active_step_count INTEGER NOT NULL DEFAULT 0,
				revision_count INTEGER NOT NULL DEFAULT 0,
				revised_at TIMESTAMP,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE TABLE plan_steps (
				id TEXT PRIMARY KEY,
				plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				step_index INTEGER NOT NULL,
				description TEXT NOT NULL,
				action TEXT NOT NULL,
				params TEXT,
				status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed', 'skipped', 'blocked')),
				result TEXT,
				error TEXT,
				depends_on TEXT,
				skipped INTEGER NOT NULL DEFAULT 0,
				original_description TEXT,
				revised_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_plan_steps_plan_id ON plan_steps(plan_id);
			CREATE INDEX idx_plan_steps_status ON plan_steps(status);
		`,
	}
}
